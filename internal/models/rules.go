package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RuleKind distinguishes the two point-configuration shapes.
type RuleKind string

const (
	// RuleKindCategory is a hierarchical per-category field/option/points tree.
	RuleKindCategory RuleKind = "CATEGORY_RULES"
	// RuleKindPosition is a flat position-label to points map.
	RuleKindPosition RuleKind = "POSITION_POINTS"
)

// Fallback option labels consulted when an attribute value matches no branch.
// PositionFallbackKey is the legacy rubric spelling kept for older snapshots.
const (
	DefaultFallbackKey  = "Default"
	PositionFallbackKey = "Participated"
)

// RuleNode is one node of a category rule tree. A leaf carries Points; a
// branch names the event attribute to read and the options to match against.
// Exactly one of the two shapes is valid, enforced at propose time.
type RuleNode struct {
	Points  *int         `json:"points,omitempty"`
	Field   string       `json:"field,omitempty"`
	Options []RuleOption `json:"options,omitempty"`
}

// RuleOption binds one attribute value to the next node. Options are an
// ordered list rather than a map so duplicate sibling keys are representable
// in payloads and can be rejected with a named error.
type RuleOption struct {
	Value string    `json:"value"`
	Node  *RuleNode `json:"node"`
}

// IsLeaf reports whether the node terminates with a point value.
func (n *RuleNode) IsLeaf() bool {
	return n != nil && n.Points != nil
}

// Option returns the child node for the given option value.
func (n *RuleNode) Option(value string) (*RuleNode, bool) {
	if n == nil {
		return nil, false
	}
	for _, opt := range n.Options {
		if opt.Value == value {
			return opt.Node, true
		}
	}
	return nil, false
}

// RulePayload is the snapshot body: a tree for CATEGORY_RULES or a flat
// position map for POSITION_POINTS. Persisted as JSONB.
type RulePayload struct {
	Tree      *RuleNode      `json:"tree,omitempty"`
	Positions map[string]int `json:"positions,omitempty"`
}

// Value implements driver.Valuer for JSONB storage.
func (p RulePayload) Value() (driver.Value, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal rule payload: %w", err)
	}
	return raw, nil
}

// Scan implements sql.Scanner for JSONB storage.
func (p *RulePayload) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = RulePayload{}
		return nil
	default:
		return fmt.Errorf("unsupported rule payload type %T", src)
	}
}

// RuleSnapshot is one immutable, versioned point-configuration document.
// Changes never mutate history; a commit appends a new snapshot and repoints
// the current pointer for its (kind, category).
type RuleSnapshot struct {
	ID           string      `db:"id" json:"id"`
	Kind         RuleKind    `db:"kind" json:"kind"`
	CategoryName string      `db:"category_name" json:"category_name,omitempty"`
	Version      int         `db:"version" json:"version"`
	Payload      RulePayload `db:"payload" json:"payload"`
	Notes        string      `db:"notes" json:"notes,omitempty"`
	CreatedBy    string      `db:"created_by" json:"created_by"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
}

// RuleDraft is a proposed snapshot that has not been committed. Drafts are
// held in memory by the configuration manager; only commits persist.
type RuleDraft struct {
	ID            string         `json:"id"`
	Kind          RuleKind       `json:"kind"`
	CategoryName  string         `json:"category_name,omitempty"`
	Payload       RulePayload    `json:"payload"`
	Notes         string         `json:"notes,omitempty"`
	ProposedBy    string         `json:"proposed_by"`
	BaseVersion   int            `json:"base_version"`
	PreviewTotals *PreviewTotals `json:"preview_totals,omitempty"`
	ProposedAt    time.Time      `json:"proposed_at"`
}

// PreviewTotals records the aggregate deltas of the last preview so commit
// can verify the realized recalculation against it.
type PreviewTotals struct {
	TotalEventsAffected   int `json:"total_events_affected"`
	TotalStudentsAffected int `json:"total_students_affected"`
	TotalPointsChange     int `json:"total_points_change"`
}

// CommitResult summarises a committed rule change and its recalculation.
// RecalcPending means the snapshot is canonical but the synchronous rescore
// could not run; the flagged events and students are repaired by the
// background pass.
type CommitResult struct {
	SnapshotID        string   `json:"snapshot_id"`
	Version           int      `json:"version"`
	EventsRescored    int      `json:"events_rescored"`
	StudentsUpdated   int      `json:"students_updated"`
	TotalPointsChange int      `json:"total_points_change"`
	StaleEventIDs     []string `json:"stale_event_ids,omitempty"`
	StaleStudentIDs   []string `json:"stale_student_ids,omitempty"`
	Consistent        bool     `json:"consistent"`
	RecalcPending     bool     `json:"recalc_pending,omitempty"`
}
