package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/activity-points-api/internal/models"
)

// FormConfigRepository persists per-category submission form definitions.
type FormConfigRepository struct {
	db *sqlx.DB
}

// NewFormConfigRepository constructs the repository.
func NewFormConfigRepository(db *sqlx.DB) *FormConfigRepository {
	return &FormConfigRepository{db: db}
}

// GetByCategory fetches the form definition for one category.
func (r *FormConfigRepository) GetByCategory(ctx context.Context, categoryName string) (*models.FormFieldConfig, error) {
	const query = `SELECT id, category_name, fields, updated_by, created_at, updated_at
FROM form_configs WHERE category_name = $1`
	var config models.FormFieldConfig
	if err := r.db.GetContext(ctx, &config, query, categoryName); err != nil {
		return nil, err
	}
	return &config, nil
}

// List returns every configured category form.
func (r *FormConfigRepository) List(ctx context.Context) ([]models.FormFieldConfig, error) {
	const query = `SELECT id, category_name, fields, updated_by, created_at, updated_at
FROM form_configs ORDER BY category_name ASC`
	var configs []models.FormFieldConfig
	if err := r.db.SelectContext(ctx, &configs, query); err != nil {
		return nil, fmt.Errorf("list form configs: %w", err)
	}
	return configs, nil
}

// Upsert inserts or replaces a category's form definition.
func (r *FormConfigRepository) Upsert(ctx context.Context, config *models.FormFieldConfig) error {
	now := time.Now().UTC()
	config.UpdatedAt = now
	if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}
	const query = `INSERT INTO form_configs (id, category_name, fields, updated_by, created_at, updated_at)
VALUES (:id, :category_name, :fields, :updated_by, :created_at, :updated_at)
ON CONFLICT (category_name)
DO UPDATE SET fields = EXCLUDED.fields, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, config); err != nil {
		return fmt.Errorf("upsert form config: %w", err)
	}
	return nil
}
