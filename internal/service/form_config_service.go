package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-points-api/internal/models"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

type formConfigRepository interface {
	GetByCategory(ctx context.Context, categoryName string) (*models.FormFieldConfig, error)
	List(ctx context.Context) ([]models.FormFieldConfig, error)
	Upsert(ctx context.Context, config *models.FormFieldConfig) error
}

// UpdateFormConfigRequest replaces a category's form definition.
type UpdateFormConfigRequest struct {
	Fields models.FormFields `json:"fields" validate:"required"`
}

// FormConfigService manages the per-category submission form definitions
// admins edit. Form changes apply to future submissions only and never touch
// scoring rules or stored events.
type FormConfigService struct {
	repo      formConfigRepository
	audit     auditRecorder
	validator *validator.Validate
	logger    *zap.Logger
}

// NewFormConfigService constructs the service.
func NewFormConfigService(repo formConfigRepository, audit auditRecorder, validate *validator.Validate, logger *zap.Logger) *FormConfigService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormConfigService{repo: repo, audit: audit, validator: validate, logger: logger}
}

// Get returns one category's form definition.
func (s *FormConfigService) Get(ctx context.Context, categoryName string) (*models.FormFieldConfig, error) {
	config, err := s.repo.GetByCategory(ctx, categoryName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no form configured for this category")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load form configuration")
	}
	return config, nil
}

// List returns every configured category form.
func (s *FormConfigService) List(ctx context.Context) ([]models.FormFieldConfig, error) {
	configs, err := s.repo.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list form configurations")
	}
	return configs, nil
}

// Update validates and stores a category's form definition.
func (s *FormConfigService) Update(ctx context.Context, categoryName, updatedBy string, req UpdateFormConfigRequest) (*models.FormFieldConfig, error) {
	if categoryName == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "category name is required")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid form configuration")
	}
	if err := validateFormFields(req.Fields); err != nil {
		return nil, err
	}

	var previous *models.FormFieldConfig
	existing, err := s.repo.GetByCategory(ctx, categoryName)
	if err == nil {
		previous = existing
	} else if err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load form configuration")
	}

	config := &models.FormFieldConfig{
		ID:           uuid.NewString(),
		CategoryName: categoryName,
		Fields:       req.Fields,
		UpdatedBy:    updatedBy,
	}
	if previous != nil {
		config.ID = previous.ID
		config.CreatedAt = previous.CreatedAt
	}
	if err := s.repo.Upsert(ctx, config); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store form configuration")
	}

	s.recordAudit(ctx, updatedBy, config, previous)
	s.logger.Sugar().Infow("form configuration updated", "category", categoryName, "updated_by", updatedBy)
	return config, nil
}

func validateFormFields(fields models.FormFields) error {
	if len(fields.RequiredFields) == 0 && len(fields.OptionalFields) == 0 && len(fields.CustomQuestions) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "form must define at least one field or question")
	}

	required := make(map[string]struct{}, len(fields.RequiredFields))
	for _, field := range fields.RequiredFields {
		if field == "" {
			return appErrors.Clone(appErrors.ErrValidation, "field names must not be empty")
		}
		if _, ok := required[field]; ok {
			return appErrors.WithField(appErrors.ErrValidation, field, fmt.Sprintf("field %s listed twice", field))
		}
		required[field] = struct{}{}
	}
	known := make(map[string]struct{}, len(fields.RequiredFields)+len(fields.OptionalFields))
	for field := range required {
		known[field] = struct{}{}
	}
	for _, field := range fields.OptionalFields {
		if field == "" {
			return appErrors.Clone(appErrors.ErrValidation, "field names must not be empty")
		}
		if _, ok := required[field]; ok {
			return appErrors.WithField(appErrors.ErrValidation, field, fmt.Sprintf("field %s is both required and optional", field))
		}
		if _, ok := known[field]; ok {
			return appErrors.WithField(appErrors.ErrValidation, field, fmt.Sprintf("field %s listed twice", field))
		}
		known[field] = struct{}{}
	}

	for field, condition := range fields.ConditionalFields {
		if _, ok := known[field]; !ok {
			return appErrors.WithField(appErrors.ErrValidation, field, fmt.Sprintf("conditional field %s is not declared", field))
		}
		if _, ok := known[condition.DependsOn]; !ok {
			return appErrors.WithField(appErrors.ErrValidation, field, fmt.Sprintf("conditional field %s depends on unknown field %s", field, condition.DependsOn))
		}
		if condition.DependsOn == field {
			return appErrors.WithField(appErrors.ErrValidation, field, fmt.Sprintf("conditional field %s cannot depend on itself", field))
		}
		if len(condition.ShowWhen) == 0 {
			return appErrors.WithField(appErrors.ErrValidation, field, fmt.Sprintf("conditional field %s has no trigger values", field))
		}
	}

	questionIDs := make(map[string]struct{}, len(fields.CustomQuestions))
	for _, question := range fields.CustomQuestions {
		if question.ID == "" || question.Text == "" {
			return appErrors.Clone(appErrors.ErrValidation, "custom questions need an id and text")
		}
		if _, ok := questionIDs[question.ID]; ok {
			return appErrors.WithField(appErrors.ErrValidation, question.ID, fmt.Sprintf("duplicate question id %s", question.ID))
		}
		questionIDs[question.ID] = struct{}{}
		switch question.Type {
		case models.QuestionTypeText:
			if len(question.Options) > 0 {
				return appErrors.WithField(appErrors.ErrValidation, question.ID, "text questions must not carry options")
			}
		case models.QuestionTypeSingleChoice, models.QuestionTypeMultipleChoice:
			if len(question.Options) < 2 {
				return appErrors.WithField(appErrors.ErrValidation, question.ID, "choice questions need at least two options")
			}
		default:
			return appErrors.WithField(appErrors.ErrValidation, question.ID, fmt.Sprintf("unsupported question type %s", question.Type))
		}
	}
	return nil
}

func (s *FormConfigService) recordAudit(ctx context.Context, actor string, config, previous *models.FormFieldConfig) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		Action:     models.AuditActionFormConfigUpdate,
		Resource:   "form_configs",
		ResourceID: &config.CategoryName,
	}
	if actor != "" {
		entry.UserID = &actor
	}
	if previous != nil {
		if raw, err := json.Marshal(previous.Fields); err == nil {
			entry.OldValues = raw
		}
	}
	if raw, err := json.Marshal(config.Fields); err == nil {
		entry.NewValues = raw
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Sugar().Warnw("failed to record audit entry", "action", entry.Action, "error", err)
	}
}
