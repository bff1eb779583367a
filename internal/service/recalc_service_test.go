package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-points-api/internal/models"
)

func TestRecalcServiceRescoresAndRebuildTotals(t *testing.T) {
	var events []*models.Event
	for i := 0; i < 20; i++ {
		event := approvedEvent(fmt.Sprintf("evt-%02d", i), fmt.Sprintf("stu-%d", i%4), "Sports", 10)
		event.Attributes = models.Attributes{"positionSecured": "First"}
		events = append(events, event)
	}
	eventStore := newMemEventStore(events...)
	studentStore := newMemStudentStore(eventStore)
	svc := NewRecalcService(eventStore, studentStore, newMemRuleRepo(), nil, 8, zap.NewNop())

	snapshot := &models.RuleSnapshot{
		ID: "snap-2", Kind: models.RuleKindCategory, CategoryName: "Sports", Version: 2,
		Payload: positionTree(optionLeaf("First", 15)),
	}
	listed, err := eventStore.ListApprovedByCategory(context.Background(), "Sports")
	require.NoError(t, err)
	summary, err := svc.Recalculate(context.Background(), snapshot, listed)
	require.NoError(t, err)

	assert.Equal(t, 20, summary.EventsRescored)
	assert.Equal(t, 4, summary.StudentsUpdated)
	assert.Equal(t, 100, summary.TotalPointsChange) // +5 on each of 20 events
	assert.Empty(t, summary.StaleEventIDs)

	// Each student has five events worth 15 after the rescore.
	for i := 0; i < 4; i++ {
		assert.Equal(t, 75, studentStore.totals[fmt.Sprintf("stu-%d", i)])
	}
	for _, event := range eventStore.events {
		assert.Equal(t, 15, *event.PointsEarned)
		assert.Equal(t, "snap-2", *event.ScoredSnapshotID)
	}
}

func TestRecalcServiceIsIdempotent(t *testing.T) {
	event := approvedEvent("evt-1", "stu-1", "Sports", 10)
	event.Attributes = models.Attributes{"positionSecured": "First"}
	eventStore := newMemEventStore(event)
	studentStore := newMemStudentStore(eventStore)
	svc := NewRecalcService(eventStore, studentStore, newMemRuleRepo(), nil, 2, zap.NewNop())

	snapshot := &models.RuleSnapshot{
		ID: "snap-2", Kind: models.RuleKindCategory, CategoryName: "Sports", Version: 2,
		Payload: positionTree(optionLeaf("First", 25)),
	}

	listed, err := eventStore.ListApprovedByCategory(context.Background(), "Sports")
	require.NoError(t, err)
	first, err := svc.Recalculate(context.Background(), snapshot, listed)
	require.NoError(t, err)
	assert.Equal(t, 15, first.TotalPointsChange)
	assert.Equal(t, 25, studentStore.totals["stu-1"])

	// A rerun converges: scores are absolute, totals are re-derived.
	listed, err = eventStore.ListApprovedByCategory(context.Background(), "Sports")
	require.NoError(t, err)
	second, err := svc.Recalculate(context.Background(), snapshot, listed)
	require.NoError(t, err)
	assert.Equal(t, 0, second.TotalPointsChange)
	assert.Equal(t, 25, studentStore.totals["stu-1"])
}

func TestRecalcServiceFlagsFailuresInsteadOfAborting(t *testing.T) {
	good := approvedEvent("evt-1", "stu-1", "Sports", 10)
	good.Attributes = models.Attributes{"positionSecured": "First"}
	bad := approvedEvent("evt-2", "stu-2", "Sports", 10)
	bad.Attributes = models.Attributes{"positionSecured": "Unranked"}
	eventStore := newMemEventStore(good, bad)
	studentStore := newMemStudentStore(eventStore)
	svc := NewRecalcService(eventStore, studentStore, newMemRuleRepo(), nil, 2, zap.NewNop())

	snapshot := &models.RuleSnapshot{
		ID: "snap-2", Kind: models.RuleKindCategory, CategoryName: "Sports", Version: 2,
		Payload: positionTree(optionLeaf("First", 30)),
	}
	listed, err := eventStore.ListApprovedByCategory(context.Background(), "Sports")
	require.NoError(t, err)
	summary, err := svc.Recalculate(context.Background(), snapshot, listed)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.EventsRescored)
	assert.Equal(t, []string{"evt-2"}, summary.StaleEventIDs)
	assert.Equal(t, []string{"stu-2"}, summary.StaleStudentIDs)
	assert.True(t, eventStore.stale["evt-2"])
	assert.True(t, studentStore.stale["stu-2"])

	// The failing event keeps its last good score for display.
	assert.Equal(t, 10, *eventStore.events["evt-2"].PointsEarned)
	assert.Equal(t, 30, studentStore.totals["stu-1"])
}

func TestRecalcServiceReprocessStale(t *testing.T) {
	clean := approvedEvent("evt-1", "stu-clean", "Sports", 40)
	blocked := approvedEvent("evt-2", "stu-blocked", "Sports", 10)
	eventStore := newMemEventStore(clean, blocked)
	eventStore.stale["evt-2"] = true
	studentStore := newMemStudentStore(eventStore)
	studentStore.stale["stu-clean"] = true
	studentStore.stale["stu-blocked"] = true
	svc := NewRecalcService(eventStore, studentStore, newMemRuleRepo(), nil, 2, zap.NewNop())

	processed, err := svc.ReprocessStale(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, processed)
	assert.Equal(t, 40, studentStore.totals["stu-clean"])
	assert.False(t, studentStore.stale["stu-clean"])
	// A student with stale events keeps the flag until the events are repaired.
	assert.True(t, studentStore.stale["stu-blocked"])
}

func TestRecalcServiceReprocessStaleRescoresFlaggedEvents(t *testing.T) {
	event := approvedEvent("evt-1", "stu-1", "Sports", 10)
	event.Attributes = models.Attributes{"positionSecured": "First"}
	eventStore := newMemEventStore(event)
	eventStore.stale["evt-1"] = true
	studentStore := newMemStudentStore(eventStore)
	studentStore.stale["stu-1"] = true

	rules := newMemRuleRepo()
	require.NoError(t, rules.Commit(context.Background(), &models.RuleSnapshot{
		ID: "snap-2", Kind: models.RuleKindCategory, CategoryName: "Sports", Version: 2,
		Payload: positionTree(optionLeaf("First", 30)),
	}, 0))
	svc := NewRecalcService(eventStore, studentStore, rules, nil, 2, zap.NewNop())

	processed, err := svc.ReprocessStale(context.Background(), 10)
	require.NoError(t, err)

	// The flagged event is rescored against the current rules, then the
	// flagged student's total is rebuilt from the repaired score.
	assert.Equal(t, 1, processed)
	assert.Equal(t, 30, *eventStore.events["evt-1"].PointsEarned)
	assert.Equal(t, "snap-2", *eventStore.events["evt-1"].ScoredSnapshotID)
	assert.False(t, eventStore.stale["evt-1"])
	assert.Equal(t, 30, studentStore.totals["stu-1"])
	assert.False(t, studentStore.stale["stu-1"])
}
