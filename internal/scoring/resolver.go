package scoring

import (
	"fmt"

	"github.com/noah-isme/activity-points-api/internal/models"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

// PositionField is the event attribute consulted for flat position lookups.
const PositionField = "positionSecured"

// Step records one matched hop of a rule resolution. Points is zero for
// intermediate branches; the terminal step carries the leaf value, which is
// pre-baked by whoever authored the snapshot.
type Step struct {
	Field         string `json:"field"`
	MatchedOption string `json:"matched_option"`
	Points        int    `json:"points"`
}

// Result is a resolved point total with its explanatory path.
type Result struct {
	Total     int    `json:"total"`
	Breakdown []Step `json:"breakdown"`
}

// ResolveTree walks the rule tree field by field in authored order. At each
// branch the event's value for the branch field is matched against the option
// keys; an unmatched value falls back to an explicit Default/Participated
// sibling when one exists, otherwise resolution fails naming the field. A
// single-child branch is still matched by key, never descended blindly.
func ResolveTree(tree *models.RuleNode, attrs models.Attributes) (*Result, error) {
	if tree == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "rule tree is empty")
	}

	node := tree
	steps := make([]Step, 0, 4)
	for !node.IsLeaf() {
		if node.Field == "" || len(node.Options) == 0 {
			return nil, appErrors.Clone(appErrors.ErrValidation, "malformed rule node encountered during resolution")
		}

		value := attrs[node.Field]
		next, matched := node.Option(value)
		if !matched {
			fallbackValue := ""
			for _, key := range []string{models.DefaultFallbackKey, models.PositionFallbackKey} {
				if candidate, ok := node.Option(key); ok {
					next, matched = candidate, true
					fallbackValue = key
					break
				}
			}
			if !matched {
				return nil, unresolved(node.Field, value)
			}
			value = fallbackValue
		}

		steps = append(steps, Step{Field: node.Field, MatchedOption: value})
		node = next
		if node == nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "malformed rule node encountered during resolution")
		}
	}

	total := *node.Points
	if len(steps) > 0 {
		steps[len(steps)-1].Points = total
	} else {
		// Degenerate tree consisting of a single leaf.
		steps = append(steps, Step{Points: total})
	}
	return &Result{Total: total, Breakdown: steps}, nil
}

// ResolvePositions performs the flat position-label lookup with the same
// fallback policy as the tree walk.
func ResolvePositions(positions map[string]int, attrs models.Attributes) (*Result, error) {
	if len(positions) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "position map is empty")
	}

	value := attrs[PositionField]
	points, ok := positions[value]
	if !ok {
		matchedFallback := false
		for _, key := range []string{models.DefaultFallbackKey, models.PositionFallbackKey} {
			if fallback, exists := positions[key]; exists {
				points = fallback
				value = key
				matchedFallback = true
				break
			}
		}
		if !matchedFallback {
			return nil, unresolved(PositionField, attrs[PositionField])
		}
	}

	return &Result{
		Total:     points,
		Breakdown: []Step{{Field: PositionField, MatchedOption: value, Points: points}},
	}, nil
}

func unresolved(field, value string) *appErrors.Error {
	message := fmt.Sprintf("no rule matches %s=%q and no default exists", field, value)
	if value == "" {
		message = fmt.Sprintf("event is missing attribute %s and no default exists", field)
	}
	return appErrors.WithField(appErrors.ErrUnresolvedPath, field, message)
}
