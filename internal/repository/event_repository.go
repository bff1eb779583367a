package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/activity-points-api/internal/models"
)

// EventRepository persists participation submissions.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository constructs the repository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, student_id, category_name, title, attributes, custom_answers, proof_files,
status, points_earned, scored_snapshot_id, stale, reviewed_by, reviewed_at, created_at, updated_at`

// Create inserts a new submission.
func (r *EventRepository) Create(ctx context.Context, event *models.Event) error {
	now := time.Now().UTC()
	event.CreatedAt = now
	event.UpdatedAt = now
	const query = `INSERT INTO events (id, student_id, category_name, title, attributes, custom_answers, proof_files,
status, points_earned, scored_snapshot_id, stale, reviewed_by, reviewed_at, created_at, updated_at)
VALUES (:id, :student_id, :category_name, :title, :attributes, :custom_answers, :proof_files,
:status, :points_earned, :scored_snapshot_id, :stale, :reviewed_by, :reviewed_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// FindByID fetches one submission.
func (r *EventRepository) FindByID(ctx context.Context, id string) (*models.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE id = $1`, eventColumns)
	var event models.Event
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		return nil, err
	}
	return &event, nil
}

// List returns submissions matching the filter.
func (r *EventRepository) List(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	clauses := []string{"1=1"}
	args := []interface{}{}
	idx := 1
	if filter.StudentID != "" {
		clauses = append(clauses, fmt.Sprintf("student_id = $%d", idx))
		args = append(args, filter.StudentID)
		idx++
	}
	if filter.CategoryName != "" {
		clauses = append(clauses, fmt.Sprintf("category_name = $%d", idx))
		args = append(args, filter.CategoryName)
		idx++
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", idx))
		args = append(args, filter.Status)
		idx++
	}
	if filter.Stale != nil {
		clauses = append(clauses, fmt.Sprintf("stale = $%d", idx))
		args = append(args, *filter.Stale)
		idx++
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY created_at DESC`, eventColumns, strings.Join(clauses, " AND "))
	var events []models.Event
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// UpdatePending rewrites the student-editable portion of a pending submission.
func (r *EventRepository) UpdatePending(ctx context.Context, event *models.Event) error {
	event.UpdatedAt = time.Now().UTC()
	const query = `UPDATE events SET title = :title, attributes = :attributes, custom_answers = :custom_answers,
proof_files = :proof_files, updated_at = :updated_at
WHERE id = :id AND status = 'PENDING'`
	result, err := r.db.NamedExecContext(ctx, query, event)
	if err != nil {
		return fmt.Errorf("update pending event: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		return fmt.Errorf("event %s is not pending", event.ID)
	}
	return nil
}

// UpdateReview applies a review decision, storing points for approvals.
func (r *EventRepository) UpdateReview(ctx context.Context, id string, status models.EventStatus, points *int, snapshotID *string, reviewer string) error {
	const query = `UPDATE events SET status = $1, points_earned = $2, scored_snapshot_id = $3, stale = false,
reviewed_by = $4, reviewed_at = $5, updated_at = $5
WHERE id = $6`
	if _, err := r.db.ExecContext(ctx, query, status, points, snapshotID, reviewer, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("update event review: %w", err)
	}
	return nil
}

// UpdateScore persists a rescored point value and clears the stale flag.
func (r *EventRepository) UpdateScore(ctx context.Context, id string, points int, snapshotID string) error {
	const query = `UPDATE events SET points_earned = $1, scored_snapshot_id = $2, stale = false, updated_at = $3
WHERE id = $4`
	if _, err := r.db.ExecContext(ctx, query, points, snapshotID, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("update event score: %w", err)
	}
	return nil
}

// MarkStale flags events whose score no longer reflects the current rules.
func (r *EventRepository) MarkStale(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE events SET stale = true, updated_at = $1 WHERE id IN (%s)`, placeholders(2, len(ids)))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark events stale: %w", err)
	}
	return nil
}

// FlagApprovedStale flags every approved submission a snapshot governs: one
// category when categoryName is set, otherwise all categories outside the
// excluded list. Returns the flagged rows so callers can flag the owning
// students too.
func (r *EventRepository) FlagApprovedStale(ctx context.Context, categoryName string, excluding []string) ([]models.StaleRef, error) {
	now := time.Now().UTC()
	var refs []models.StaleRef
	switch {
	case categoryName != "":
		const query = `UPDATE events SET stale = true, updated_at = $1
WHERE status = 'APPROVED' AND category_name = $2 RETURNING id, student_id`
		if err := r.db.SelectContext(ctx, &refs, query, now, categoryName); err != nil {
			return nil, fmt.Errorf("flag approved events stale: %w", err)
		}
	case len(excluding) == 0:
		const query = `UPDATE events SET stale = true, updated_at = $1
WHERE status = 'APPROVED' RETURNING id, student_id`
		if err := r.db.SelectContext(ctx, &refs, query, now); err != nil {
			return nil, fmt.Errorf("flag approved events stale: %w", err)
		}
	default:
		query := fmt.Sprintf(`UPDATE events SET stale = true, updated_at = $1
WHERE status = 'APPROVED' AND category_name NOT IN (%s) RETURNING id, student_id`, placeholders(2, len(excluding)))
		args := make([]interface{}, 0, len(excluding)+1)
		args = append(args, now)
		for _, category := range excluding {
			args = append(args, category)
		}
		if err := r.db.SelectContext(ctx, &refs, query, args...); err != nil {
			return nil, fmt.Errorf("flag approved events stale: %w", err)
		}
	}
	return refs, nil
}

// ListApprovedByCategory returns all approved submissions for one category.
func (r *EventRepository) ListApprovedByCategory(ctx context.Context, categoryName string) ([]models.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE status = 'APPROVED' AND category_name = $1 ORDER BY created_at ASC`, eventColumns)
	var events []models.Event
	if err := r.db.SelectContext(ctx, &events, query, categoryName); err != nil {
		return nil, fmt.Errorf("list approved events: %w", err)
	}
	return events, nil
}

// ListApprovedExcludingCategories returns approved submissions outside the
// given categories. Used for position-points commits, which govern every
// category without its own tree.
func (r *EventRepository) ListApprovedExcludingCategories(ctx context.Context, categories []string) ([]models.Event, error) {
	if len(categories) == 0 {
		query := fmt.Sprintf(`SELECT %s FROM events WHERE status = 'APPROVED' ORDER BY created_at ASC`, eventColumns)
		var events []models.Event
		if err := r.db.SelectContext(ctx, &events, query); err != nil {
			return nil, fmt.Errorf("list approved events: %w", err)
		}
		return events, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE status = 'APPROVED' AND category_name NOT IN (%s) ORDER BY created_at ASC`,
		eventColumns, placeholders(1, len(categories)))
	args := make([]interface{}, len(categories))
	for i, category := range categories {
		args[i] = category
	}
	var events []models.Event
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("list approved events: %w", err)
	}
	return events, nil
}

func placeholders(start, n int) string {
	values := make([]string, n)
	for i := 0; i < n; i++ {
		values[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(values, ",")
}
