package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-points-api/internal/models"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

type mockEventRepo struct {
	events  map[string]*models.Event
	reviews []string
}

func newMockEventRepo(events ...*models.Event) *mockEventRepo {
	repo := &mockEventRepo{events: make(map[string]*models.Event)}
	for _, event := range events {
		repo.events[event.ID] = event
	}
	return repo
}

func (m *mockEventRepo) Create(ctx context.Context, event *models.Event) error {
	m.events[event.ID] = event
	return nil
}

func (m *mockEventRepo) FindByID(ctx context.Context, id string) (*models.Event, error) {
	if event, ok := m.events[id]; ok {
		copied := *event
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEventRepo) List(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	var matched []models.Event
	for _, event := range m.events {
		if filter.StudentID != "" && event.StudentID != filter.StudentID {
			continue
		}
		matched = append(matched, *event)
	}
	return matched, nil
}

func (m *mockEventRepo) UpdatePending(ctx context.Context, event *models.Event) error {
	stored := m.events[event.ID]
	if stored.Status != models.EventStatusPending {
		return sql.ErrNoRows
	}
	m.events[event.ID] = event
	return nil
}

func (m *mockEventRepo) UpdateReview(ctx context.Context, id string, status models.EventStatus, points *int, snapshotID *string, reviewer string) error {
	event := m.events[id]
	event.Status = status
	event.PointsEarned = points
	event.ScoredSnapshotID = snapshotID
	event.ReviewedBy = &reviewer
	m.reviews = append(m.reviews, id)
	return nil
}

type mockStudentUpdater struct {
	students   map[string]*models.Student
	recomputed []string
}

func (m *mockStudentUpdater) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if student, ok := m.students[id]; ok {
		return student, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockStudentUpdater) RecomputeTotal(ctx context.Context, studentID string) error {
	m.recomputed = append(m.recomputed, studentID)
	return nil
}

type mockSnapshotResolver struct {
	snapshot *models.RuleSnapshot
}

func (m *mockSnapshotResolver) EffectiveSnapshot(ctx context.Context, categoryName string) (*models.RuleSnapshot, error) {
	if m.snapshot == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no rule configuration governs this category")
	}
	return m.snapshot, nil
}

type mockFormReader struct {
	configs map[string]*models.FormFieldConfig
}

func (m *mockFormReader) GetByCategory(ctx context.Context, categoryName string) (*models.FormFieldConfig, error) {
	if config, ok := m.configs[categoryName]; ok {
		return config, nil
	}
	return nil, sql.ErrNoRows
}

func newEventServiceHarness(events ...*models.Event) (*EventService, *mockEventRepo, *mockStudentUpdater, *mockSnapshotResolver, *mockFormReader) {
	repo := newMockEventRepo(events...)
	students := &mockStudentUpdater{students: map[string]*models.Student{"stu-1": {ID: "stu-1", FullName: "Test Student"}}}
	snapshots := &mockSnapshotResolver{}
	forms := &mockFormReader{configs: make(map[string]*models.FormFieldConfig)}
	svc := NewEventService(repo, students, snapshots, forms, nil, validator.New(), zap.NewNop())
	return svc, repo, students, snapshots, forms
}

func pendingEvent(id, studentID string) *models.Event {
	return &models.Event{
		ID:           id,
		StudentID:    studentID,
		CategoryName: "Hackathon",
		Title:        "State Hackathon",
		Status:       models.EventStatusPending,
		Attributes: models.Attributes{
			"participationType": "Individual",
			"eventScope":        "National",
			"organizerType":     "Industry Based",
			"positionSecured":   "First",
		},
	}
}

func hackathonSnapshot() *models.RuleSnapshot {
	win, lose := 95, 40
	return &models.RuleSnapshot{
		ID: "snap-1", Kind: models.RuleKindCategory, CategoryName: "Hackathon", Version: 1,
		Payload: models.RulePayload{Tree: &models.RuleNode{
			Field: "positionSecured",
			Options: []models.RuleOption{
				{Value: "First", Node: &models.RuleNode{Points: &win}},
				{Value: "Participated", Node: &models.RuleNode{Points: &lose}},
			},
		}},
	}
}

func TestEventServiceCreateValidatesRequiredFields(t *testing.T) {
	svc, _, _, _, forms := newEventServiceHarness()
	forms.configs["Hackathon"] = &models.FormFieldConfig{
		CategoryName: "Hackathon",
		Fields: models.FormFields{
			RequiredFields: []string{"participationType", "positionSecured"},
		},
	}

	_, err := svc.Create(context.Background(), "stu-1", CreateEventRequest{
		CategoryName: "Hackathon",
		Title:        "State Hackathon",
		Attributes:   models.Attributes{"participationType": "Individual"},
	})
	require.Error(t, err)
	failed := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrValidation.Code, failed.Code)
	assert.Equal(t, "positionSecured", failed.Field)
}

func TestEventServiceCreateSkipsHiddenConditionalFields(t *testing.T) {
	svc, repo, _, _, forms := newEventServiceHarness()
	forms.configs["Hackathon"] = &models.FormFieldConfig{
		CategoryName: "Hackathon",
		Fields: models.FormFields{
			RequiredFields: []string{"participationType", "teamName"},
			ConditionalFields: map[string]models.ConditionalField{
				"teamName": {DependsOn: "participationType", ShowWhen: []string{"Team"}},
			},
		},
	}

	// Individual participation hides teamName, so its absence is fine.
	event, err := svc.Create(context.Background(), "stu-1", CreateEventRequest{
		CategoryName: "Hackathon",
		Title:        "State Hackathon",
		Attributes:   models.Attributes{"participationType": "Individual"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, event.Status)
	assert.Contains(t, repo.events, event.ID)
}

func TestEventServiceCreateValidatesQuestionAnswers(t *testing.T) {
	svc, _, _, _, forms := newEventServiceHarness()
	forms.configs["Hackathon"] = &models.FormFieldConfig{
		CategoryName: "Hackathon",
		Fields: models.FormFields{
			RequiredFields: []string{"participationType"},
			CustomQuestions: []models.CustomQuestion{
				{ID: "q1", Text: "Track", Type: models.QuestionTypeSingleChoice, Required: true, Options: []string{"AI", "Web"}},
			},
		},
	}

	_, err := svc.Create(context.Background(), "stu-1", CreateEventRequest{
		CategoryName:  "Hackathon",
		Title:         "State Hackathon",
		Attributes:    models.Attributes{"participationType": "Individual"},
		CustomAnswers: models.CustomAnswers{{QuestionID: "q1", Answer: "Blockchain"}},
	})
	require.Error(t, err)
	assert.Equal(t, "q1", appErrors.FromError(err).Field)
}

func TestEventServiceReviewApproveScoresAndUpdatesTotal(t *testing.T) {
	event := pendingEvent("evt-1", "stu-1")
	svc, repo, students, snapshots, _ := newEventServiceHarness(event)
	snapshots.snapshot = hackathonSnapshot()

	reviewed, err := svc.Review(context.Background(), "evt-1", "teacher-1", ReviewEventRequest{Approve: true})
	require.NoError(t, err)

	assert.Equal(t, models.EventStatusApproved, reviewed.Status)
	require.NotNil(t, reviewed.PointsEarned)
	assert.Equal(t, 95, *reviewed.PointsEarned)
	assert.Equal(t, "snap-1", *reviewed.ScoredSnapshotID)
	assert.Equal(t, []string{"stu-1"}, students.recomputed)
	assert.Equal(t, models.EventStatusApproved, repo.events["evt-1"].Status)
}

func TestEventServiceReviewObservesScoringDuration(t *testing.T) {
	event := pendingEvent("evt-1", "stu-1")
	repo := newMockEventRepo(event)
	students := &mockStudentUpdater{students: map[string]*models.Student{"stu-1": {ID: "stu-1"}}}
	snapshots := &mockSnapshotResolver{snapshot: hackathonSnapshot()}
	forms := &mockFormReader{configs: make(map[string]*models.FormFieldConfig)}
	metrics := NewMetricsService()
	svc := NewEventService(repo, students, snapshots, forms, metrics, validator.New(), zap.NewNop())

	_, err := svc.Review(context.Background(), "evt-1", "teacher-1", ReviewEventRequest{Approve: true})
	require.NoError(t, err)

	families, err := metrics.registry.Gather()
	require.NoError(t, err)
	var observed uint64
	for _, family := range families {
		if family.GetName() == "scoring_duration_seconds" {
			observed = family.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(1), observed, "approval must time the scoring resolution")
}

func TestEventServiceReviewSurfacesIncompleteSubmission(t *testing.T) {
	event := pendingEvent("evt-1", "stu-1")
	event.Attributes["positionSecured"] = "Disqualified"
	svc, repo, students, snapshots, _ := newEventServiceHarness(event)
	win := 95
	snapshots.snapshot = &models.RuleSnapshot{
		ID: "snap-1", Kind: models.RuleKindCategory, CategoryName: "Hackathon", Version: 1,
		Payload: models.RulePayload{Tree: &models.RuleNode{
			Field:   "positionSecured",
			Options: []models.RuleOption{{Value: "First", Node: &models.RuleNode{Points: &win}}},
		}},
	}

	_, err := svc.Review(context.Background(), "evt-1", "teacher-1", ReviewEventRequest{Approve: true})
	require.Error(t, err)
	failed := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrIncompleteSubmission.Code, failed.Code)
	assert.Equal(t, "positionSecured", failed.Field)

	// Nothing was approved and no total was touched.
	assert.Equal(t, models.EventStatusPending, repo.events["evt-1"].Status)
	assert.Empty(t, students.recomputed)
}

func TestEventServiceReviewIsTerminal(t *testing.T) {
	event := pendingEvent("evt-1", "stu-1")
	points := 95
	event.Status = models.EventStatusApproved
	event.PointsEarned = &points
	svc, _, _, snapshots, _ := newEventServiceHarness(event)
	snapshots.snapshot = hackathonSnapshot()

	_, err := svc.Review(context.Background(), "evt-1", "teacher-2", ReviewEventRequest{Approve: false})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestEventServiceRejectStoresNoPoints(t *testing.T) {
	event := pendingEvent("evt-1", "stu-1")
	svc, repo, students, _, _ := newEventServiceHarness(event)

	reviewed, err := svc.Review(context.Background(), "evt-1", "teacher-1", ReviewEventRequest{Approve: false})
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusRejected, reviewed.Status)
	assert.Nil(t, repo.events["evt-1"].PointsEarned)
	assert.Empty(t, students.recomputed)
}

func TestEventServiceUpdateRequiresOwnerAndPending(t *testing.T) {
	event := pendingEvent("evt-1", "stu-1")
	svc, _, _, _, _ := newEventServiceHarness(event)

	_, err := svc.Update(context.Background(), "evt-1", "stu-2", UpdateEventRequest{Title: "Edited"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	approved := pendingEvent("evt-2", "stu-1")
	approved.Status = models.EventStatusApproved
	svc2, _, _, _, _ := newEventServiceHarness(approved)
	_, err = svc2.Update(context.Background(), "evt-2", "stu-1", UpdateEventRequest{Title: "Edited"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}
