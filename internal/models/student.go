package models

import "time"

// Student carries the cached aggregate of approved event points.
// TotalPoints must always equal the sum of points_earned over the student's
// approved events; a rule commit that changes historical scoring triggers a
// recomputation, and Stale marks rows whose total has not caught up yet.
type Student struct {
	ID          string    `db:"id" json:"id"`
	FullName    string    `db:"full_name" json:"full_name"`
	Email       string    `db:"email" json:"email"`
	Department  string    `db:"department" json:"department,omitempty"`
	TotalPoints int       `db:"total_points" json:"total_points"`
	Stale       bool      `db:"stale" json:"stale"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// LeaderboardEntry is one ranked leaderboard row.
type LeaderboardEntry struct {
	Rank        int    `db:"rank" json:"rank"`
	StudentID   string `db:"student_id" json:"student_id"`
	FullName    string `db:"full_name" json:"full_name"`
	Department  string `db:"department" json:"department,omitempty"`
	TotalPoints int    `db:"total_points" json:"total_points"`
	Stale       bool   `db:"stale" json:"stale"`
}
