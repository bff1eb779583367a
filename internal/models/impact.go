package models

import "time"

// ImpactReport is the ephemeral output of a rule-change dry run. Nothing in
// it is persisted; the admin UI renders its fields verbatim.
type ImpactReport struct {
	Kind                  RuleKind          `json:"kind"`
	CategoryName          string            `json:"category_name,omitempty"`
	BaselineSnapshotID    string            `json:"baseline_snapshot_id,omitempty"`
	TotalEventsAffected   int               `json:"total_events_affected"`
	TotalStudentsAffected int               `json:"total_students_affected"`
	TotalPointsChange     int               `json:"total_points_change"`
	MostImpactedStudents  []StudentImpact   `json:"most_impacted_students"`
	FieldImpacts          []FieldImpact     `json:"field_impacts"`
	UnscorableEvents      []UnscorableEvent `json:"unscorable_events,omitempty"`
	GeneratedAt           time.Time         `json:"generated_at"`
}

// StudentImpact aggregates the point delta for one student.
type StudentImpact struct {
	StudentID      string `json:"student_id"`
	OldPoints      int    `json:"old_points"`
	NewPoints      int    `json:"new_points"`
	Delta          int    `json:"delta"`
	EventsAffected int    `json:"events_affected"`
}

// FieldImpact groups the delta by the attribute value that drove the score,
// e.g. all events whose positionSecured resolved to "First".
type FieldImpact struct {
	Field          string `json:"field"`
	Option         string `json:"option"`
	EventsAffected int    `json:"events_affected"`
	PointsChange   int    `json:"points_change"`
}

// UnscorableEvent records an event excluded from aggregate totals because it
// could not be scored under one of the snapshots. Never dropped silently.
type UnscorableEvent struct {
	EventID       string `json:"event_id"`
	Field         string `json:"field,omitempty"`
	Reason        string `json:"reason"`
	UnderProposed bool   `json:"under_proposed"`
}
