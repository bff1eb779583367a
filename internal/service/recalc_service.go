package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/activity-points-api/internal/models"
	"github.com/noah-isme/activity-points-api/internal/scoring"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

type recalcEventWriter interface {
	UpdateScore(ctx context.Context, id string, points int, snapshotID string) error
	MarkStale(ctx context.Context, ids []string) error
	List(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
}

type recalcStudentWriter interface {
	RecomputeTotal(ctx context.Context, studentID string) error
	MarkStale(ctx context.Context, ids []string) error
	ListStale(ctx context.Context, limit int) ([]models.Student, error)
}

type recalcSnapshotReader interface {
	GetCurrent(ctx context.Context, kind models.RuleKind, categoryName string) (*models.RuleSnapshot, error)
}

// RecalcSummary reports the realized outcome of one bulk recalculation.
type RecalcSummary struct {
	EventsRescored    int
	StudentsUpdated   int
	TotalPointsChange int
	StaleEventIDs     []string
	StaleStudentIDs   []string
}

// RecalcService rescores approved events against a newly committed snapshot
// and rebuilds the affected students' cached totals. Event rescoring fans out
// across a bounded worker pool; student totals are only recomputed after every
// event write has finished, so a total never mixes old and new scores.
type RecalcService struct {
	events      recalcEventWriter
	students    recalcStudentWriter
	snapshots   recalcSnapshotReader
	metrics     *MetricsService
	concurrency int
	logger      *zap.Logger
}

// NewRecalcService constructs the service. Concurrency below one falls back
// to serial execution.
func NewRecalcService(events recalcEventWriter, students recalcStudentWriter, snapshots recalcSnapshotReader, metrics *MetricsService, concurrency int, logger *zap.Logger) *RecalcService {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecalcService{events: events, students: students, snapshots: snapshots, metrics: metrics, concurrency: concurrency, logger: logger}
}

type rescoreOutcome struct {
	eventID   string
	studentID string
	delta     int
	err       error
}

// Recalculate rescores the given events against the snapshot and recomputes
// each affected student's total. Events that fail to score are flagged stale
// rather than aborting the run; their students are flagged too because their
// totals cannot be trusted until the event is repaired. The operation is
// idempotent: scores are absolute values from the snapshot and totals are
// re-derived from stored scores, so rerunning converges to the same state.
func (s *RecalcService) Recalculate(ctx context.Context, snapshot *models.RuleSnapshot, events []models.Event) (*RecalcSummary, error) {
	if snapshot == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "snapshot is required")
	}

	summary := &RecalcSummary{}
	if len(events) == 0 {
		return summary, nil
	}

	outcomes := make([]rescoreOutcome, len(events))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for i := range events {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[idx] = s.rescoreOne(ctx, snapshot, &events[idx])
		}(i)
	}
	// Barrier: every event write lands before any student total is touched.
	wg.Wait()

	affectedStudents := make(map[string]struct{})
	staleStudents := make(map[string]struct{})
	for _, outcome := range outcomes {
		if outcome.err != nil {
			summary.StaleEventIDs = append(summary.StaleEventIDs, outcome.eventID)
			staleStudents[outcome.studentID] = struct{}{}
			continue
		}
		summary.EventsRescored++
		summary.TotalPointsChange += outcome.delta
		affectedStudents[outcome.studentID] = struct{}{}
	}

	if len(summary.StaleEventIDs) > 0 {
		if err := s.events.MarkStale(ctx, summary.StaleEventIDs); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to flag stale events")
		}
	}

	for studentID := range affectedStudents {
		if _, isStale := staleStudents[studentID]; isStale {
			continue
		}
		if err := s.students.RecomputeTotal(ctx, studentID); err != nil {
			s.logger.Sugar().Errorw("student total recompute failed", "student_id", studentID, "error", err)
			staleStudents[studentID] = struct{}{}
			continue
		}
		summary.StudentsUpdated++
	}

	for studentID := range staleStudents {
		summary.StaleStudentIDs = append(summary.StaleStudentIDs, studentID)
	}
	sort.Strings(summary.StaleEventIDs)
	sort.Strings(summary.StaleStudentIDs)
	if len(summary.StaleStudentIDs) > 0 {
		if err := s.students.MarkStale(ctx, summary.StaleStudentIDs); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to flag stale students")
		}
	}

	s.logger.Sugar().Infow("recalculation finished",
		"snapshot_id", snapshot.ID,
		"events_rescored", summary.EventsRescored,
		"students_updated", summary.StudentsUpdated,
		"points_change", summary.TotalPointsChange,
		"stale_events", len(summary.StaleEventIDs),
		"stale_students", len(summary.StaleStudentIDs),
	)
	return summary, nil
}

func (s *RecalcService) rescoreOne(ctx context.Context, snapshot *models.RuleSnapshot, event *models.Event) rescoreOutcome {
	outcome := rescoreOutcome{eventID: event.ID, studentID: event.StudentID}

	start := time.Now()
	result, err := scoring.ScoreEvent(event, snapshot)
	s.metrics.ObserveScoring(time.Since(start))
	if err != nil {
		s.logger.Sugar().Warnw("event unscorable under committed snapshot",
			"event_id", event.ID, "snapshot_id", snapshot.ID, "error", err)
		outcome.err = err
		return outcome
	}

	oldPoints := 0
	if event.PointsEarned != nil {
		oldPoints = *event.PointsEarned
	}

	if err := s.events.UpdateScore(ctx, event.ID, result.Total, snapshot.ID); err != nil {
		outcome.err = err
		return outcome
	}
	outcome.delta = result.Total - oldPoints
	return outcome
}

// FlagStudentsStale marks the given students' cached totals as untrusted.
func (s *RecalcService) FlagStudentsStale(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.students.MarkStale(ctx, ids); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to flag stale students")
	}
	return nil
}

// ReprocessStale repairs commit residue: approved events flagged stale are
// rescored against the rules that now govern their category, then totals are
// re-derived for students flagged stale. It is invoked by the background queue
// and can be run any number of times; events that still cannot be scored keep
// their flag, and so do their students.
func (s *RecalcService) ReprocessStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	staleFlag := true
	staleEvents, err := s.events.List(ctx, models.EventFilter{Status: models.EventStatusApproved, Stale: &staleFlag})
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list stale events")
	}
	rescored := 0
	for i := range staleEvents {
		event := &staleEvents[i]
		snapshot, err := s.effectiveSnapshot(ctx, event.CategoryName)
		if err != nil {
			s.logger.Sugar().Warnw("no committed rules govern stale event",
				"event_id", event.ID, "category", event.CategoryName, "error", err)
			continue
		}
		if outcome := s.rescoreOne(ctx, snapshot, event); outcome.err == nil {
			rescored++
		}
	}
	if rescored > 0 {
		s.logger.Sugar().Infow("stale events rescored", "count", rescored)
	}

	students, err := s.students.ListStale(ctx, limit)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list stale students")
	}

	processed := 0
	for _, student := range students {
		// A student with stale events keeps the flag; the totals would
		// still be built on scores known to be wrong.
		remaining, err := s.events.List(ctx, models.EventFilter{StudentID: student.ID, Stale: &staleFlag})
		if err != nil {
			return processed, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to inspect stale events")
		}
		if len(remaining) > 0 {
			continue
		}
		if err := s.students.RecomputeTotal(ctx, student.ID); err != nil {
			s.logger.Sugar().Errorw("stale student recompute failed", "student_id", student.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// effectiveSnapshot mirrors the scoring resolution order: the category's own
// committed tree when one exists, otherwise the global position points.
func (s *RecalcService) effectiveSnapshot(ctx context.Context, categoryName string) (*models.RuleSnapshot, error) {
	snapshot, err := s.snapshots.GetCurrent(ctx, models.RuleKindCategory, categoryName)
	if err == nil {
		return snapshot, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	return s.snapshots.GetCurrent(ctx, models.RuleKindPosition, "")
}
