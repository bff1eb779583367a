package service

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/activity-points-api/internal/models"
	"github.com/noah-isme/activity-points-api/internal/scoring"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

// maxImpactedStudents caps the per-student ranking in impact reports.
const maxImpactedStudents = 10

type impactRuleReader interface {
	GetCurrent(ctx context.Context, kind models.RuleKind, categoryName string) (*models.RuleSnapshot, error)
	CategoriesWithRules(ctx context.Context) ([]string, error)
}

type impactEventLister interface {
	ListApprovedByCategory(ctx context.Context, categoryName string) ([]models.Event, error)
	ListApprovedExcludingCategories(ctx context.Context, categories []string) ([]models.Event, error)
}

// ImpactService produces dry-run reports for proposed rule changes. It scores
// every affected approved event twice, once under the committed baseline and
// once under the proposal, and aggregates the deltas. Nothing it does has side
// effects on stored scores.
type ImpactService struct {
	rules  impactRuleReader
	events impactEventLister
	logger *zap.Logger
}

// NewImpactService constructs the service.
func NewImpactService(rules impactRuleReader, events impactEventLister, logger *zap.Logger) *ImpactService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImpactService{rules: rules, events: events, logger: logger}
}

// Analyze computes the impact of replacing the current snapshot for a
// kind/category with the proposed payload. Events that cannot be scored under
// either snapshot are excluded from the aggregates and reported separately.
func (s *ImpactService) Analyze(ctx context.Context, kind models.RuleKind, categoryName string, proposed models.RulePayload) (*models.ImpactReport, error) {
	if err := scoring.ValidatePayload(kind, proposed); err != nil {
		return nil, err
	}

	baseline, err := s.rules.GetCurrent(ctx, kind, categoryName)
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current rule snapshot")
		}
		baseline = nil
	}

	events, err := s.affectedEvents(ctx, kind, categoryName)
	if err != nil {
		return nil, err
	}

	candidate := &models.RuleSnapshot{Kind: kind, CategoryName: categoryName, Payload: proposed}
	report := &models.ImpactReport{
		Kind:                 kind,
		CategoryName:         categoryName,
		MostImpactedStudents: []models.StudentImpact{},
		FieldImpacts:         []models.FieldImpact{},
		GeneratedAt:          time.Now().UTC(),
	}
	if baseline != nil {
		report.BaselineSnapshotID = baseline.ID
	}

	perStudent := make(map[string]*models.StudentImpact)
	perField := make(map[string]*models.FieldImpact)
	fieldOrder := make([]string, 0)

	for i := range events {
		event := &events[i]

		oldPoints, ok := s.baselinePoints(event, baseline, report)
		if !ok {
			continue
		}

		proposedResult, err := scoring.ScoreEvent(event, candidate)
		if err != nil {
			report.UnscorableEvents = append(report.UnscorableEvents, models.UnscorableEvent{
				EventID:       event.ID,
				Field:         appErrors.FromError(err).Field,
				Reason:        appErrors.FromError(err).Message,
				UnderProposed: true,
			})
			continue
		}

		delta := proposedResult.Total - oldPoints
		if delta == 0 {
			continue
		}

		report.TotalEventsAffected++
		report.TotalPointsChange += delta

		impact, exists := perStudent[event.StudentID]
		if !exists {
			impact = &models.StudentImpact{StudentID: event.StudentID}
			perStudent[event.StudentID] = impact
		}
		impact.OldPoints += oldPoints
		impact.NewPoints += proposedResult.Total
		impact.Delta += delta
		impact.EventsAffected++

		field, option := drivingStep(proposedResult)
		key := field + "\x00" + option
		bucket, exists := perField[key]
		if !exists {
			bucket = &models.FieldImpact{Field: field, Option: option}
			perField[key] = bucket
			fieldOrder = append(fieldOrder, key)
		}
		bucket.EventsAffected++
		bucket.PointsChange += delta
	}

	for _, impact := range perStudent {
		if impact.Delta != 0 {
			report.TotalStudentsAffected++
			report.MostImpactedStudents = append(report.MostImpactedStudents, *impact)
		}
	}
	sort.Slice(report.MostImpactedStudents, func(i, j int) bool {
		a, b := report.MostImpactedStudents[i], report.MostImpactedStudents[j]
		if abs(a.Delta) != abs(b.Delta) {
			return abs(a.Delta) > abs(b.Delta)
		}
		return a.StudentID < b.StudentID
	})
	if len(report.MostImpactedStudents) > maxImpactedStudents {
		report.MostImpactedStudents = report.MostImpactedStudents[:maxImpactedStudents]
	}

	for _, key := range fieldOrder {
		report.FieldImpacts = append(report.FieldImpacts, *perField[key])
	}

	s.logger.Sugar().Infow("impact analysis complete",
		"kind", kind,
		"category", categoryName,
		"events_affected", report.TotalEventsAffected,
		"students_affected", report.TotalStudentsAffected,
		"points_change", report.TotalPointsChange,
		"unscorable", len(report.UnscorableEvents),
	)
	return report, nil
}

// affectedEvents selects the approved events a commit of this kind/category
// would govern. Position points apply to every category without its own tree.
func (s *ImpactService) affectedEvents(ctx context.Context, kind models.RuleKind, categoryName string) ([]models.Event, error) {
	if kind == models.RuleKindCategory {
		events, err := s.events.ListApprovedByCategory(ctx, categoryName)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load affected events")
		}
		return events, nil
	}

	withTrees, err := s.rules.CategoriesWithRules(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rule categories")
	}
	events, err := s.events.ListApprovedExcludingCategories(ctx, withTrees)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load affected events")
	}
	return events, nil
}

// baselinePoints resolves the event's score under the committed snapshot.
// Without a baseline the stored points stand in, so first-time commits report
// deltas against what students currently see.
func (s *ImpactService) baselinePoints(event *models.Event, baseline *models.RuleSnapshot, report *models.ImpactReport) (int, bool) {
	if baseline == nil {
		if event.PointsEarned != nil {
			return *event.PointsEarned, true
		}
		return 0, true
	}

	result, err := scoring.ScoreEvent(event, baseline)
	if err != nil {
		report.UnscorableEvents = append(report.UnscorableEvents, models.UnscorableEvent{
			EventID: event.ID,
			Field:   appErrors.FromError(err).Field,
			Reason:  appErrors.FromError(err).Message,
		})
		return 0, false
	}
	return result.Total, true
}

// drivingStep returns the terminal breakdown step, the option that decided
// the awarded points.
func drivingStep(result *scoring.Result) (string, string) {
	if len(result.Breakdown) == 0 {
		return "", ""
	}
	last := result.Breakdown[len(result.Breakdown)-1]
	return last.Field, last.MatchedOption
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
