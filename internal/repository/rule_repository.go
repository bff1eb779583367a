package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/activity-points-api/internal/models"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

// RuleRepository persists rule snapshots and the per (kind, category)
// current pointer. History rows are append-only; only the pointer moves.
type RuleRepository struct {
	db *sqlx.DB
}

// NewRuleRepository constructs the repository.
func NewRuleRepository(db *sqlx.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

const snapshotColumns = `id, kind, category_name, version, payload, notes, created_by, created_at`

// GetCurrent resolves the currently committed snapshot for a kind/category.
func (r *RuleRepository) GetCurrent(ctx context.Context, kind models.RuleKind, categoryName string) (*models.RuleSnapshot, error) {
	const query = `SELECT s.id, s.kind, s.category_name, s.version, s.payload, s.notes, s.created_by, s.created_at
FROM rule_snapshots s
JOIN rule_current c ON c.snapshot_id = s.id
WHERE c.kind = $1 AND c.category_name = $2`
	var snapshot models.RuleSnapshot
	if err := r.db.GetContext(ctx, &snapshot, query, kind, categoryName); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// CurrentVersion returns the committed version for a kind/category, zero when
// nothing has been committed yet.
func (r *RuleRepository) CurrentVersion(ctx context.Context, kind models.RuleKind, categoryName string) (int, error) {
	const query = `SELECT version FROM rule_current WHERE kind = $1 AND category_name = $2`
	var version int
	if err := r.db.GetContext(ctx, &version, query, kind, categoryName); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("load current rule version: %w", err)
	}
	return version, nil
}

// GetByID loads a single snapshot, committed or historical.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*models.RuleSnapshot, error) {
	query := fmt.Sprintf(`SELECT %s FROM rule_snapshots WHERE id = $1`, snapshotColumns)
	var snapshot models.RuleSnapshot
	if err := r.db.GetContext(ctx, &snapshot, query, id); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// History returns all snapshots for a kind/category, newest first.
func (r *RuleRepository) History(ctx context.Context, kind models.RuleKind, categoryName string) ([]models.RuleSnapshot, error) {
	query := fmt.Sprintf(`SELECT %s FROM rule_snapshots WHERE kind = $1 AND category_name = $2 ORDER BY version DESC`, snapshotColumns)
	var snapshots []models.RuleSnapshot
	if err := r.db.SelectContext(ctx, &snapshots, query, kind, categoryName); err != nil {
		return nil, fmt.Errorf("list rule history: %w", err)
	}
	return snapshots, nil
}

// CategoriesWithRules lists categories governed by a committed category tree.
func (r *RuleRepository) CategoriesWithRules(ctx context.Context) ([]string, error) {
	const query = `SELECT category_name FROM rule_current WHERE kind = $1 ORDER BY category_name ASC`
	var categories []string
	if err := r.db.SelectContext(ctx, &categories, query, models.RuleKindCategory); err != nil {
		return nil, fmt.Errorf("list rule categories: %w", err)
	}
	return categories, nil
}

// Commit atomically appends the snapshot to history and repoints current via
// compare-and-swap on the pointer's version. When another commit moved the
// pointer since the draft was proposed, nothing is written and
// ErrConcurrentModification is returned.
func (r *RuleRepository) Commit(ctx context.Context, snapshot *models.RuleSnapshot, expectedVersion int) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rule commit tx: %w", err)
	}

	snapshot.CreatedAt = time.Now().UTC()
	const insertSnapshot = `INSERT INTO rule_snapshots (id, kind, category_name, version, payload, notes, created_by, created_at)
VALUES (:id, :kind, :category_name, :version, :payload, :notes, :created_by, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insertSnapshot, snapshot); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert rule snapshot: %w", err)
	}

	if expectedVersion == 0 {
		const insertPointer = `INSERT INTO rule_current (kind, category_name, snapshot_id, version, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (kind, category_name) DO NOTHING`
		result, err := tx.ExecContext(ctx, insertPointer, snapshot.Kind, snapshot.CategoryName, snapshot.ID, snapshot.Version, snapshot.CreatedAt)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert rule pointer: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected != 1 {
			_ = tx.Rollback()
			return appErrors.Clone(appErrors.ErrConcurrentModification, "rule configuration was committed by someone else")
		}
	} else {
		const movePointer = `UPDATE rule_current SET snapshot_id = $1, version = $2, updated_at = $3
WHERE kind = $4 AND category_name = $5 AND version = $6`
		result, err := tx.ExecContext(ctx, movePointer, snapshot.ID, snapshot.Version, snapshot.CreatedAt, snapshot.Kind, snapshot.CategoryName, expectedVersion)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("move rule pointer: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected != 1 {
			_ = tx.Rollback()
			return appErrors.Clone(appErrors.ErrConcurrentModification, "rule configuration changed since the draft was proposed")
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rule tx: %w", err)
	}
	return nil
}
