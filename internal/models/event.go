package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EventStatus tracks the review lifecycle of a submission. Approved and
// Rejected are terminal; only Pending submissions may be edited.
type EventStatus string

const (
	EventStatusPending  EventStatus = "PENDING"
	EventStatusApproved EventStatus = "APPROVED"
	EventStatusRejected EventStatus = "REJECTED"
)

// Attributes is the event's category-specific field/value bag, e.g.
// participationType, eventScope, positionSecured. Persisted as JSONB.
type Attributes map[string]string

// Value implements driver.Valuer.
func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		a = Attributes{}
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	return raw, nil
}

// Scan implements sql.Scanner.
func (a *Attributes) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	case nil:
		*a = Attributes{}
		return nil
	default:
		return fmt.Errorf("unsupported attributes type %T", src)
	}
}

// CustomAnswer pairs a configured question with the submitted answer.
type CustomAnswer struct {
	QuestionID string   `json:"question_id"`
	Answer     string   `json:"answer,omitempty"`
	Selections []string `json:"selections,omitempty"`
}

// CustomAnswers is an ordered answer list persisted as JSONB.
type CustomAnswers []CustomAnswer

// Value implements driver.Valuer.
func (c CustomAnswers) Value() (driver.Value, error) {
	if c == nil {
		c = CustomAnswers{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal custom answers: %w", err)
	}
	return raw, nil
}

// Scan implements sql.Scanner.
func (c *CustomAnswers) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	case nil:
		*c = CustomAnswers{}
		return nil
	default:
		return fmt.Errorf("unsupported custom answers type %T", src)
	}
}

// ProofFiles lists uploaded proof references (storage is external).
type ProofFiles []string

// Value implements driver.Valuer.
func (p ProofFiles) Value() (driver.Value, error) {
	if p == nil {
		p = ProofFiles{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal proof files: %w", err)
	}
	return raw, nil
}

// Scan implements sql.Scanner.
func (p *ProofFiles) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = ProofFiles{}
		return nil
	default:
		return fmt.Errorf("unsupported proof files type %T", src)
	}
}

// Event is a submitted participation record. PointsEarned and
// ScoredSnapshotID are denormalized engine output, rebuildable at any time by
// rescoring against the snapshot; they are never the source of truth for what
// the rule says.
type Event struct {
	ID               string        `db:"id" json:"id"`
	StudentID        string        `db:"student_id" json:"student_id"`
	CategoryName     string        `db:"category_name" json:"category_name"`
	Title            string        `db:"title" json:"title"`
	Attributes       Attributes    `db:"attributes" json:"attributes"`
	CustomAnswers    CustomAnswers `db:"custom_answers" json:"custom_answers,omitempty"`
	ProofFiles       ProofFiles    `db:"proof_files" json:"proof_files,omitempty"`
	Status           EventStatus   `db:"status" json:"status"`
	PointsEarned     *int          `db:"points_earned" json:"points_earned,omitempty"`
	ScoredSnapshotID *string       `db:"scored_snapshot_id" json:"scored_snapshot_id,omitempty"`
	Stale            bool          `db:"stale" json:"stale"`
	ReviewedBy       *string       `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time    `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// StaleRef identifies a flagged event and the student whose total depends
// on it.
type StaleRef struct {
	EventID   string `db:"id" json:"event_id"`
	StudentID string `db:"student_id" json:"student_id"`
}

// EventFilter scopes event list queries.
type EventFilter struct {
	StudentID    string
	CategoryName string
	Status       EventStatus
	Stale        *bool
}
