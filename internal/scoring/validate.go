package scoring

import (
	"fmt"
	"strings"

	"github.com/noah-isme/activity-points-api/internal/models"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

// ValidatePayload checks a rule payload against the tree invariants before it
// is ever written: every leaf is a non-negative integer, every branch names a
// field and has uniquely-keyed options. Violations name the offending path.
func ValidatePayload(kind models.RuleKind, payload models.RulePayload) error {
	switch kind {
	case models.RuleKindCategory:
		if payload.Tree == nil {
			return appErrors.Clone(appErrors.ErrValidation, "category rules require a tree payload")
		}
		if payload.Positions != nil {
			return appErrors.Clone(appErrors.ErrValidation, "category rules must not carry a position map")
		}
		return validateNode(payload.Tree, nil)
	case models.RuleKindPosition:
		if payload.Tree != nil {
			return appErrors.Clone(appErrors.ErrValidation, "position points must not carry a tree")
		}
		if len(payload.Positions) == 0 {
			return appErrors.Clone(appErrors.ErrValidation, "position points require at least one entry")
		}
		for label, points := range payload.Positions {
			if strings.TrimSpace(label) == "" {
				return appErrors.Clone(appErrors.ErrValidation, "position label must not be empty")
			}
			if points < 0 {
				return appErrors.WithField(appErrors.ErrValidation, label, fmt.Sprintf("position %q has negative points", label))
			}
		}
		return nil
	default:
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported rule kind %s", kind))
	}
}

func validateNode(node *models.RuleNode, path []string) error {
	location := strings.Join(path, "/")
	if location == "" {
		location = "root"
	}
	if node == nil {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("missing rule node at %s", location))
	}

	isLeaf := node.Points != nil
	isBranch := node.Field != "" || len(node.Options) > 0

	switch {
	case isLeaf && isBranch:
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("node at %s is both leaf and branch", location))
	case isLeaf:
		if *node.Points < 0 {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("leaf at %s has negative points", location))
		}
		return nil
	case isBranch:
		if node.Field == "" {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("branch at %s is missing its field name", location))
		}
		if len(node.Options) == 0 {
			return appErrors.WithField(appErrors.ErrValidation, node.Field, fmt.Sprintf("branch %s at %s has no options", node.Field, location))
		}
		seen := make(map[string]struct{}, len(node.Options))
		for _, opt := range node.Options {
			if strings.TrimSpace(opt.Value) == "" {
				return appErrors.WithField(appErrors.ErrValidation, node.Field, fmt.Sprintf("branch %s at %s has an empty option key", node.Field, location))
			}
			if _, ok := seen[opt.Value]; ok {
				return appErrors.WithField(appErrors.ErrValidation, node.Field, fmt.Sprintf("duplicate option %q under %s at %s", opt.Value, node.Field, location))
			}
			seen[opt.Value] = struct{}{}
			childPath := append(append([]string{}, path...), node.Field, opt.Value)
			if err := validateNode(opt.Node, childPath); err != nil {
				return err
			}
		}
		return nil
	default:
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("node at %s is neither leaf nor branch", location))
	}
}
