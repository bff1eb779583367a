package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/activity-points-api/internal/models"
)

// StudentRepository persists students and their cached point totals.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID fetches one student.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, full_name, email, department, total_points, stale, created_at, updated_at
FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// RecomputeTotal rebuilds the cached aggregate from approved events and
// clears the stale flag. The total is always derived, never adjusted in
// place, so reruns are idempotent.
func (r *StudentRepository) RecomputeTotal(ctx context.Context, studentID string) error {
	const query = `UPDATE students SET
total_points = COALESCE((SELECT SUM(points_earned) FROM events WHERE student_id = $1 AND status = 'APPROVED'), 0),
stale = false,
updated_at = $2
WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, studentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recompute student total: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		return fmt.Errorf("student %s not found", studentID)
	}
	return nil
}

// MarkStale flags students whose cached total may not reflect current rules.
func (r *StudentRepository) MarkStale(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE students SET stale = true, updated_at = $1 WHERE id IN (%s)`, placeholders(2, len(ids)))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark students stale: %w", err)
	}
	return nil
}

// ListStale returns students flagged for reprocessing.
func (r *StudentRepository) ListStale(ctx context.Context, limit int) ([]models.Student, error) {
	const query = `SELECT id, full_name, email, department, total_points, stale, created_at, updated_at
FROM students WHERE stale = true ORDER BY updated_at ASC LIMIT $1`
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, limit); err != nil {
		return nil, fmt.Errorf("list stale students: %w", err)
	}
	return students, nil
}

// Leaderboard returns the top students ranked by cached total points.
func (r *StudentRepository) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	const query = `SELECT RANK() OVER (ORDER BY total_points DESC, full_name ASC) AS rank,
id AS student_id, full_name, department, total_points, stale
FROM students ORDER BY total_points DESC, full_name ASC LIMIT $1`
	var entries []models.LeaderboardEntry
	if err := r.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}
	return entries, nil
}
