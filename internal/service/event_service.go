package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-points-api/internal/models"
	"github.com/noah-isme/activity-points-api/internal/scoring"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

type eventRepository interface {
	Create(ctx context.Context, event *models.Event) error
	FindByID(ctx context.Context, id string) (*models.Event, error)
	List(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
	UpdatePending(ctx context.Context, event *models.Event) error
	UpdateReview(ctx context.Context, id string, status models.EventStatus, points *int, snapshotID *string, reviewer string) error
}

type studentTotalUpdater interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	RecomputeTotal(ctx context.Context, studentID string) error
}

type snapshotResolver interface {
	EffectiveSnapshot(ctx context.Context, categoryName string) (*models.RuleSnapshot, error)
}

type formConfigReader interface {
	GetByCategory(ctx context.Context, categoryName string) (*models.FormFieldConfig, error)
}

// CreateEventRequest is the student submission payload.
type CreateEventRequest struct {
	CategoryName  string               `json:"category_name" validate:"required"`
	Title         string               `json:"title" validate:"required"`
	Attributes    models.Attributes    `json:"attributes"`
	CustomAnswers models.CustomAnswers `json:"custom_answers"`
	ProofFiles    models.ProofFiles    `json:"proof_files"`
}

// UpdateEventRequest edits a pending submission.
type UpdateEventRequest struct {
	Title         string               `json:"title" validate:"required"`
	Attributes    models.Attributes    `json:"attributes"`
	CustomAnswers models.CustomAnswers `json:"custom_answers"`
	ProofFiles    models.ProofFiles    `json:"proof_files"`
}

// ReviewEventRequest carries a reviewer decision.
type ReviewEventRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment"`
}

// EventService handles submission intake, editing, and review. Approval is
// the moment an event gets scored: points come from the snapshot that
// currently governs the event's category and are stored together with that
// snapshot's id.
type EventService struct {
	repo      eventRepository
	students  studentTotalUpdater
	snapshots snapshotResolver
	forms     formConfigReader
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEventService constructs the service.
func NewEventService(repo eventRepository, students studentTotalUpdater, snapshots snapshotResolver, forms formConfigReader, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *EventService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventService{repo: repo, students: students, snapshots: snapshots, forms: forms, metrics: metrics, validator: validate, logger: logger}
}

// Create registers a new pending submission after checking it against the
// category's form configuration.
func (s *EventService) Create(ctx context.Context, studentID string, req CreateEventRequest) (*models.Event, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid event payload")
	}
	if _, err := s.students.FindByID(ctx, studentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if err := s.validateAgainstForm(ctx, req.CategoryName, req.Attributes, req.CustomAnswers, req.ProofFiles); err != nil {
		return nil, err
	}

	event := &models.Event{
		ID:            uuid.NewString(),
		StudentID:     studentID,
		CategoryName:  req.CategoryName,
		Title:         req.Title,
		Attributes:    req.Attributes,
		CustomAnswers: req.CustomAnswers,
		ProofFiles:    req.ProofFiles,
		Status:        models.EventStatusPending,
	}
	if err := s.repo.Create(ctx, event); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create event")
	}
	return event, nil
}

// Get loads one submission.
func (s *EventService) Get(ctx context.Context, id string) (*models.Event, error) {
	event, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load event")
	}
	return event, nil
}

// List returns submissions matching the filter.
func (s *EventService) List(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	events, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list events")
	}
	return events, nil
}

// Update rewrites a pending submission. Only the owning student may edit, and
// only while the event is still pending.
func (s *EventService) Update(ctx context.Context, id, studentID string, req UpdateEventRequest) (*models.Event, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid event payload")
	}

	event, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.StudentID != studentID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the submitting student may edit this event")
	}
	if event.Status != models.EventStatusPending {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("event is %s and can no longer be edited", event.Status))
	}
	if err := s.validateAgainstForm(ctx, event.CategoryName, req.Attributes, req.CustomAnswers, req.ProofFiles); err != nil {
		return nil, err
	}

	event.Title = req.Title
	event.Attributes = req.Attributes
	event.CustomAnswers = req.CustomAnswers
	event.ProofFiles = req.ProofFiles
	if err := s.repo.UpdatePending(ctx, event); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "event is no longer pending")
	}
	return event, nil
}

// Review applies a reviewer decision. Approval scores the event against the
// snapshot currently governing its category and folds the points into the
// student's total; a submission the rubric cannot score is surfaced to the
// reviewer instead of being approved with a guessed value. Approved and
// rejected are terminal.
func (s *EventService) Review(ctx context.Context, id, reviewer string, req ReviewEventRequest) (*models.Event, error) {
	event, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.Status != models.EventStatusPending {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("event has already been %s", event.Status))
	}

	if !req.Approve {
		if err := s.repo.UpdateReview(ctx, id, models.EventStatusRejected, nil, nil, reviewer); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record review")
		}
		event.Status = models.EventStatusRejected
		return event, nil
	}

	snapshot, err := s.snapshots.EffectiveSnapshot(ctx, event.CategoryName)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := scoring.ScoreEvent(event, snapshot)
	s.metrics.ObserveScoring(time.Since(start))
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateReview(ctx, id, models.EventStatusApproved, &result.Total, &snapshot.ID, reviewer); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record review")
	}
	if err := s.students.RecomputeTotal(ctx, event.StudentID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student total")
	}

	event.Status = models.EventStatusApproved
	event.PointsEarned = &result.Total
	event.ScoredSnapshotID = &snapshot.ID
	s.logger.Sugar().Infow("event approved",
		"event_id", event.ID, "student_id", event.StudentID, "points", result.Total, "snapshot_id", snapshot.ID)
	return event, nil
}

// validateAgainstForm enforces the category's configured form: required
// fields, conditional visibility, custom question answers, and proof files.
// Categories without a form configuration accept any attribute bag.
func (s *EventService) validateAgainstForm(ctx context.Context, categoryName string, attrs models.Attributes, answers models.CustomAnswers, proofs models.ProofFiles) error {
	config, err := s.forms.GetByCategory(ctx, categoryName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load form configuration")
	}

	fields := config.Fields
	for _, field := range fields.RequiredFields {
		if !fieldVisible(field, fields.ConditionalFields, attrs) {
			continue
		}
		if attrs[field] == "" {
			return appErrors.WithField(appErrors.ErrValidation, field, fmt.Sprintf("required field %s is missing", field))
		}
	}

	byQuestion := make(map[string]models.CustomAnswer, len(answers))
	for _, answer := range answers {
		byQuestion[answer.QuestionID] = answer
	}
	for _, question := range fields.CustomQuestions {
		answer, answered := byQuestion[question.ID]
		if !answered {
			if question.Required {
				return appErrors.WithField(appErrors.ErrValidation, question.ID, fmt.Sprintf("question %q requires an answer", question.Text))
			}
			continue
		}
		if err := validateAnswer(question, answer); err != nil {
			return err
		}
	}

	if fields.Proof.CertificateRequired && len(proofs) == 0 {
		return appErrors.WithField(appErrors.ErrValidation, "proof_files", "this category requires proof of participation")
	}
	if fields.Proof.MaxFiles > 0 && len(proofs) > fields.Proof.MaxFiles {
		return appErrors.WithField(appErrors.ErrValidation, "proof_files", fmt.Sprintf("at most %d proof files allowed", fields.Proof.MaxFiles))
	}
	return nil
}

func fieldVisible(field string, conditionals map[string]models.ConditionalField, attrs models.Attributes) bool {
	condition, ok := conditionals[field]
	if !ok {
		return true
	}
	value := attrs[condition.DependsOn]
	for _, trigger := range condition.ShowWhen {
		if value == trigger {
			return true
		}
	}
	return false
}

func validateAnswer(question models.CustomQuestion, answer models.CustomAnswer) error {
	switch question.Type {
	case models.QuestionTypeText:
		if question.Required && answer.Answer == "" {
			return appErrors.WithField(appErrors.ErrValidation, question.ID, fmt.Sprintf("question %q requires an answer", question.Text))
		}
	case models.QuestionTypeSingleChoice:
		if !containsOption(question.Options, answer.Answer) {
			return appErrors.WithField(appErrors.ErrValidation, question.ID, fmt.Sprintf("answer %q is not an option for %q", answer.Answer, question.Text))
		}
	case models.QuestionTypeMultipleChoice:
		if question.Required && len(answer.Selections) == 0 {
			return appErrors.WithField(appErrors.ErrValidation, question.ID, fmt.Sprintf("question %q requires at least one selection", question.Text))
		}
		for _, selection := range answer.Selections {
			if !containsOption(question.Options, selection) {
				return appErrors.WithField(appErrors.ErrValidation, question.ID, fmt.Sprintf("selection %q is not an option for %q", selection, question.Text))
			}
		}
	}
	return nil
}

func containsOption(options []string, value string) bool {
	for _, option := range options {
		if option == value {
			return true
		}
	}
	return false
}
