package scoring

import (
	"fmt"

	"github.com/noah-isme/activity-points-api/internal/models"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

// Score computes the point total and per-field breakdown for one event
// against one specific snapshot. The snapshot is always passed explicitly so
// the same function serves live scoring and historical rescoring; there is no
// ambient "current configuration" and no I/O. Component arithmetic (base
// award, scope bonus, deductions) is pre-baked into leaf values at authoring
// time; scoring is a pure lookup.
func Score(attrs models.Attributes, snapshot *models.RuleSnapshot) (*Result, error) {
	if snapshot == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "snapshot is required")
	}

	var (
		result *Result
		err    error
	)
	switch snapshot.Kind {
	case models.RuleKindCategory:
		result, err = ResolveTree(snapshot.Payload.Tree, attrs)
	case models.RuleKindPosition:
		result, err = ResolvePositions(snapshot.Payload.Positions, attrs)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported rule kind %s", snapshot.Kind))
	}

	if err != nil {
		if appErrors.Is(err, appErrors.ErrUnresolvedPath) {
			failed := appErrors.FromError(err)
			return nil, appErrors.WithField(appErrors.ErrIncompleteSubmission, failed.Field,
				fmt.Sprintf("submission cannot be scored: %s", failed.Message))
		}
		return nil, err
	}
	return result, nil
}

// ScoreEvent is a convenience wrapper scoring an event's attribute bag.
func ScoreEvent(event *models.Event, snapshot *models.RuleSnapshot) (*Result, error) {
	if event == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "event is required")
	}
	return Score(event.Attributes, snapshot)
}
