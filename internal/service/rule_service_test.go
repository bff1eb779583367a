package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-points-api/internal/models"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

type memRuleRepo struct {
	mu        sync.Mutex
	snapshots map[string]*models.RuleSnapshot
	current   map[string]*models.RuleSnapshot
}

func newMemRuleRepo() *memRuleRepo {
	return &memRuleRepo{
		snapshots: make(map[string]*models.RuleSnapshot),
		current:   make(map[string]*models.RuleSnapshot),
	}
}

func ruleKey(kind models.RuleKind, category string) string {
	return string(kind) + "/" + category
}

func (m *memRuleRepo) GetCurrent(ctx context.Context, kind models.RuleKind, categoryName string) (*models.RuleSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.current[ruleKey(kind, categoryName)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *snapshot
	return &copied, nil
}

func (m *memRuleRepo) CurrentVersion(ctx context.Context, kind models.RuleKind, categoryName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot, ok := m.current[ruleKey(kind, categoryName)]; ok {
		return snapshot.Version, nil
	}
	return 0, nil
}

func (m *memRuleRepo) GetByID(ctx context.Context, id string) (*models.RuleSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot, ok := m.snapshots[id]; ok {
		copied := *snapshot
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *memRuleRepo) History(ctx context.Context, kind models.RuleKind, categoryName string) ([]models.RuleSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var history []models.RuleSnapshot
	for _, snapshot := range m.snapshots {
		if snapshot.Kind == kind && snapshot.CategoryName == categoryName {
			history = append(history, *snapshot)
		}
	}
	return history, nil
}

func (m *memRuleRepo) CategoriesWithRules(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var categories []string
	for _, snapshot := range m.current {
		if snapshot.Kind == models.RuleKindCategory {
			categories = append(categories, snapshot.CategoryName)
		}
	}
	return categories, nil
}

func (m *memRuleRepo) Commit(ctx context.Context, snapshot *models.RuleSnapshot, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ruleKey(snapshot.Kind, snapshot.CategoryName)
	currentVersion := 0
	if existing, ok := m.current[key]; ok {
		currentVersion = existing.Version
	}
	if currentVersion != expectedVersion {
		return appErrors.Clone(appErrors.ErrConcurrentModification, "")
	}
	copied := *snapshot
	m.snapshots[copied.ID] = &copied
	m.current[key] = &copied
	return nil
}

type memEventStore struct {
	mu     sync.Mutex
	events map[string]*models.Event
	stale  map[string]bool
}

func newMemEventStore(events ...*models.Event) *memEventStore {
	store := &memEventStore{events: make(map[string]*models.Event), stale: make(map[string]bool)}
	for _, event := range events {
		store.events[event.ID] = event
	}
	return store
}

func (m *memEventStore) ListApprovedByCategory(ctx context.Context, categoryName string) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var approved []models.Event
	for _, event := range m.events {
		if event.Status == models.EventStatusApproved && event.CategoryName == categoryName {
			approved = append(approved, *event)
		}
	}
	return approved, nil
}

func (m *memEventStore) ListApprovedExcludingCategories(ctx context.Context, categories []string) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excluded := make(map[string]struct{}, len(categories))
	for _, category := range categories {
		excluded[category] = struct{}{}
	}
	var approved []models.Event
	for _, event := range m.events {
		if event.Status != models.EventStatusApproved {
			continue
		}
		if _, skip := excluded[event.CategoryName]; skip {
			continue
		}
		approved = append(approved, *event)
	}
	return approved, nil
}

func (m *memEventStore) FlagApprovedStale(ctx context.Context, categoryName string, excluding []string) ([]models.StaleRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excluded := make(map[string]struct{}, len(excluding))
	for _, category := range excluding {
		excluded[category] = struct{}{}
	}
	var refs []models.StaleRef
	for _, event := range m.events {
		if event.Status != models.EventStatusApproved {
			continue
		}
		if categoryName != "" {
			if event.CategoryName != categoryName {
				continue
			}
		} else if _, skip := excluded[event.CategoryName]; skip {
			continue
		}
		m.stale[event.ID] = true
		refs = append(refs, models.StaleRef{EventID: event.ID, StudentID: event.StudentID})
	}
	return refs, nil
}

func (m *memEventStore) UpdateScore(ctx context.Context, id string, points int, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event := m.events[id]
	event.PointsEarned = &points
	event.ScoredSnapshotID = &snapshotID
	delete(m.stale, id)
	return nil
}

func (m *memEventStore) MarkStale(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.stale[id] = true
	}
	return nil
}

func (m *memEventStore) List(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []models.Event
	for _, event := range m.events {
		if filter.StudentID != "" && event.StudentID != filter.StudentID {
			continue
		}
		if filter.Status != "" && event.Status != filter.Status {
			continue
		}
		if filter.Stale != nil && m.stale[event.ID] != *filter.Stale {
			continue
		}
		matched = append(matched, *event)
	}
	return matched, nil
}

type memStudentStore struct {
	mu     sync.Mutex
	events *memEventStore
	totals map[string]int
	stale  map[string]bool
}

func newMemStudentStore(events *memEventStore) *memStudentStore {
	return &memStudentStore{events: events, totals: make(map[string]int), stale: make(map[string]bool)}
}

func (m *memStudentStore) RecomputeTotal(ctx context.Context, studentID string) error {
	m.events.mu.Lock()
	total := 0
	for _, event := range m.events.events {
		if event.StudentID == studentID && event.Status == models.EventStatusApproved && event.PointsEarned != nil {
			total += *event.PointsEarned
		}
	}
	m.events.mu.Unlock()

	m.mu.Lock()
	m.totals[studentID] = total
	delete(m.stale, studentID)
	m.mu.Unlock()
	return nil
}

func (m *memStudentStore) MarkStale(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.stale[id] = true
	}
	return nil
}

func (m *memStudentStore) ListStale(ctx context.Context, limit int) ([]models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var students []models.Student
	for id := range m.stale {
		students = append(students, models.Student{ID: id, Stale: true})
	}
	return students, nil
}

func leafPayload(points int) models.RulePayload {
	return models.RulePayload{Tree: &models.RuleNode{Points: &points}}
}

func approvedEvent(id, studentID, category string, points int) *models.Event {
	return &models.Event{
		ID:           id,
		StudentID:    studentID,
		CategoryName: category,
		Status:       models.EventStatusApproved,
		PointsEarned: &points,
		Attributes:   models.Attributes{},
	}
}

func newRuleServiceHarness(events ...*models.Event) (*RuleService, *memRuleRepo, *memEventStore, *memStudentStore) {
	repo := newMemRuleRepo()
	eventStore := newMemEventStore(events...)
	studentStore := newMemStudentStore(eventStore)
	impact := NewImpactService(repo, eventStore, zap.NewNop())
	recalc := NewRecalcService(eventStore, studentStore, repo, nil, 4, zap.NewNop())
	svc := NewRuleService(repo, eventStore, impact, recalc, nil, nil, validator.New(), zap.NewNop())
	return svc, repo, eventStore, studentStore
}

func TestRuleServiceProposeRejectsDuplicateOptions(t *testing.T) {
	svc, _, _, _ := newRuleServiceHarness()

	points := 10
	payload := models.RulePayload{Tree: &models.RuleNode{
		Field: "participationType",
		Options: []models.RuleOption{
			{Value: "Individual", Node: &models.RuleNode{Points: &points}},
			{Value: "Individual", Node: &models.RuleNode{Points: &points}},
		},
	}}

	_, err := svc.Propose(context.Background(), ProposeRuleRequest{
		Kind:         models.RuleKindCategory,
		CategoryName: "Hackathon",
		Payload:      payload,
	}, "admin-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
	assert.Empty(t, svc.Drafts(), "rejected proposals must leave no draft behind")
}

func TestRuleServicePreviewCommitAgreement(t *testing.T) {
	event := approvedEvent("evt-1", "stu-1", "Hackathon", 10)
	svc, repo, _, students := newRuleServiceHarness(event)
	ctx := context.Background()

	// Seed version 1 awarding 10 points.
	require.NoError(t, repo.Commit(ctx, &models.RuleSnapshot{
		ID: "seed", Kind: models.RuleKindCategory, CategoryName: "Hackathon",
		Version: 1, Payload: leafPayload(10),
	}, 0))
	require.NoError(t, students.RecomputeTotal(ctx, "stu-1"))

	draft, err := svc.Propose(ctx, ProposeRuleRequest{
		Kind:         models.RuleKindCategory,
		CategoryName: "Hackathon",
		Payload:      leafPayload(15),
	}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 1, draft.BaseVersion)

	report, err := svc.Preview(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalEventsAffected)
	assert.Equal(t, 1, report.TotalStudentsAffected)
	assert.Equal(t, 5, report.TotalPointsChange)

	result, err := svc.Commit(ctx, draft.ID, "admin-1")
	require.NoError(t, err)
	assert.True(t, result.Consistent, "realized deltas must match the preview")
	assert.Equal(t, 2, result.Version)
	assert.Equal(t, 1, result.EventsRescored)
	assert.Equal(t, 5, result.TotalPointsChange)
	assert.Empty(t, result.StaleEventIDs)

	assert.Equal(t, 15, students.totals["stu-1"])
	assert.Empty(t, svc.Drafts(), "committed drafts are discarded")

	current, err := svc.Current(ctx, models.RuleKindCategory, "Hackathon")
	require.NoError(t, err)
	assert.Equal(t, result.SnapshotID, current.ID)
}

func TestRuleServiceCommitLosesVersionRace(t *testing.T) {
	svc, repo, _, _ := newRuleServiceHarness()
	ctx := context.Background()

	require.NoError(t, repo.Commit(ctx, &models.RuleSnapshot{
		ID: "seed", Kind: models.RuleKindCategory, CategoryName: "Robotics",
		Version: 1, Payload: leafPayload(20),
	}, 0))

	draftA, err := svc.Propose(ctx, ProposeRuleRequest{
		Kind: models.RuleKindCategory, CategoryName: "Robotics", Payload: leafPayload(25),
	}, "admin-a")
	require.NoError(t, err)
	draftB, err := svc.Propose(ctx, ProposeRuleRequest{
		Kind: models.RuleKindCategory, CategoryName: "Robotics", Payload: leafPayload(30),
	}, "admin-b")
	require.NoError(t, err)

	resultA, err := svc.Commit(ctx, draftA.ID, "admin-a")
	require.NoError(t, err)
	assert.Equal(t, 2, resultA.Version)

	_, err = svc.Commit(ctx, draftB.ID, "admin-b")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConcurrentModification))

	// The loser's draft survives so the admin can re-propose from v2.
	assert.Len(t, svc.Drafts(), 1)
	current, err := svc.Current(ctx, models.RuleKindCategory, "Robotics")
	require.NoError(t, err)
	assert.Equal(t, resultA.SnapshotID, current.ID)
	assert.Equal(t, 2, current.Version)
}

func TestRuleServicePreviewDetectsStaleDraft(t *testing.T) {
	svc, repo, _, _ := newRuleServiceHarness()
	ctx := context.Background()

	draft, err := svc.Propose(ctx, ProposeRuleRequest{
		Kind: models.RuleKindCategory, CategoryName: "Debate", Payload: leafPayload(10),
	}, "admin-1")
	require.NoError(t, err)

	// Someone else commits before the preview runs.
	require.NoError(t, repo.Commit(ctx, &models.RuleSnapshot{
		ID: "other", Kind: models.RuleKindCategory, CategoryName: "Debate",
		Version: 1, Payload: leafPayload(12),
	}, 0))

	_, err = svc.Preview(ctx, draft.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConcurrentModification))
}

func TestRuleServiceCommitFlagsUnscorableEvents(t *testing.T) {
	scorable := approvedEvent("evt-1", "stu-1", "Sports", 10)
	scorable.Attributes = models.Attributes{"positionSecured": "First"}
	unscorable := approvedEvent("evt-2", "stu-2", "Sports", 10)
	unscorable.Attributes = models.Attributes{"positionSecured": "Disqualified"}

	svc, _, eventStore, students := newRuleServiceHarness(scorable, unscorable)
	ctx := context.Background()

	first := 50
	payload := models.RulePayload{Tree: &models.RuleNode{
		Field: "positionSecured",
		Options: []models.RuleOption{
			{Value: "First", Node: &models.RuleNode{Points: &first}},
		},
	}}
	draft, err := svc.Propose(ctx, ProposeRuleRequest{
		Kind: models.RuleKindCategory, CategoryName: "Sports", Payload: payload,
	}, "admin-1")
	require.NoError(t, err)

	result, err := svc.Commit(ctx, draft.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.EventsRescored)
	assert.Equal(t, []string{"evt-2"}, result.StaleEventIDs)
	assert.Equal(t, []string{"stu-2"}, result.StaleStudentIDs)
	assert.True(t, eventStore.stale["evt-2"])
	assert.True(t, students.stale["stu-2"])

	// The scorable event was rescored and its student's total rebuilt.
	assert.Equal(t, 50, students.totals["stu-1"])
}

func TestRuleServiceEffectiveSnapshotFallsBackToPositions(t *testing.T) {
	svc, repo, _, _ := newRuleServiceHarness()
	ctx := context.Background()

	require.NoError(t, repo.Commit(ctx, &models.RuleSnapshot{
		ID: "positions", Kind: models.RuleKindPosition, CategoryName: "",
		Version: 1, Payload: models.RulePayload{Positions: map[string]int{"First": 50, "Participated": 10}},
	}, 0))
	require.NoError(t, repo.Commit(ctx, &models.RuleSnapshot{
		ID: "hack-tree", Kind: models.RuleKindCategory, CategoryName: "Hackathon",
		Version: 1, Payload: leafPayload(40),
	}, 0))

	withTree, err := svc.EffectiveSnapshot(ctx, "Hackathon")
	require.NoError(t, err)
	assert.Equal(t, "hack-tree", withTree.ID)

	withoutTree, err := svc.EffectiveSnapshot(ctx, "Chess")
	require.NoError(t, err)
	assert.Equal(t, "positions", withoutTree.ID)
}

// failingEventLister drops the first list call, simulating a connection loss
// between the snapshot write and the rescore.
type failingEventLister struct {
	*memEventStore
	failures int
}

func (f *failingEventLister) ListApprovedByCategory(ctx context.Context, categoryName string) ([]models.Event, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset by peer")
	}
	return f.memEventStore.ListApprovedByCategory(ctx, categoryName)
}

func TestRuleServiceCommitRecalcFailureFlagsScopeStale(t *testing.T) {
	event := approvedEvent("evt-1", "stu-1", "Sports", 10)
	event.Attributes = models.Attributes{"positionSecured": "First"}

	repo := newMemRuleRepo()
	eventStore := newMemEventStore(event)
	lister := &failingEventLister{memEventStore: eventStore, failures: 1}
	studentStore := newMemStudentStore(eventStore)
	impact := NewImpactService(repo, eventStore, zap.NewNop())
	recalc := NewRecalcService(eventStore, studentStore, repo, nil, 2, zap.NewNop())
	svc := NewRuleService(repo, lister, impact, recalc, nil, nil, validator.New(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, repo.Commit(ctx, &models.RuleSnapshot{
		ID: "seed", Kind: models.RuleKindCategory, CategoryName: "Sports",
		Version: 1, Payload: positionTree(optionLeaf("First", 10)),
	}, 0))
	require.NoError(t, studentStore.RecomputeTotal(ctx, "stu-1"))

	draft, err := svc.Propose(ctx, ProposeRuleRequest{
		Kind: models.RuleKindCategory, CategoryName: "Sports",
		Payload: positionTree(optionLeaf("First", 30)),
	}, "admin-1")
	require.NoError(t, err)

	result, err := svc.Commit(ctx, draft.ID, "admin-1")
	require.NoError(t, err, "the snapshot is canonical once the pointer moved")
	assert.Equal(t, 2, result.Version)
	assert.True(t, result.RecalcPending)
	assert.False(t, result.Consistent)
	assert.Equal(t, 0, result.EventsRescored)
	assert.Equal(t, []string{"evt-1"}, result.StaleEventIDs)
	assert.Equal(t, []string{"stu-1"}, result.StaleStudentIDs)

	// Everything the new snapshot governs is flagged, not silently left on
	// the old score, and the spent draft is gone.
	assert.True(t, eventStore.stale["evt-1"])
	assert.True(t, studentStore.stale["stu-1"])
	assert.Equal(t, 10, *eventStore.events["evt-1"].PointsEarned)
	assert.Empty(t, svc.Drafts())

	current, err := svc.Current(ctx, models.RuleKindCategory, "Sports")
	require.NoError(t, err)
	assert.Equal(t, result.SnapshotID, current.ID)

	// The background pass repairs the residue against the committed rules.
	processed, err := recalc.ReprocessStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 30, *eventStore.events["evt-1"].PointsEarned)
	assert.Equal(t, result.SnapshotID, *eventStore.events["evt-1"].ScoredSnapshotID)
	assert.Equal(t, 30, studentStore.totals["stu-1"])
	assert.False(t, eventStore.stale["evt-1"])
	assert.False(t, studentStore.stale["stu-1"])
}

func TestRuleServicePreviewDuringCommitIsSafe(t *testing.T) {
	event := approvedEvent("evt-1", "stu-1", "Hackathon", 10)
	svc, repo, _, _ := newRuleServiceHarness(event)
	ctx := context.Background()

	require.NoError(t, repo.Commit(ctx, &models.RuleSnapshot{
		ID: "seed", Kind: models.RuleKindCategory, CategoryName: "Hackathon",
		Version: 1, Payload: leafPayload(10),
	}, 0))

	draft, err := svc.Propose(ctx, ProposeRuleRequest{
		Kind: models.RuleKindCategory, CategoryName: "Hackathon", Payload: leafPayload(15),
	}, "admin-1")
	require.NoError(t, err)

	// Hammer the draft with previews while the commit consumes it. Previews
	// racing past the commit legitimately fail; they must never corrupt it.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = svc.Preview(ctx, draft.ID)
			}
		}
	}()

	result, err := svc.Commit(ctx, draft.ID, "admin-1")
	close(stop)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, 2, result.Version)
	assert.Equal(t, 1, result.EventsRescored)
	assert.Empty(t, svc.Drafts())
}

func TestRuleServicePositionProposeRejectsCategoryName(t *testing.T) {
	svc, _, _, _ := newRuleServiceHarness()

	_, err := svc.Propose(context.Background(), ProposeRuleRequest{
		Kind:         models.RuleKindPosition,
		CategoryName: "Hackathon",
		Payload:      models.RulePayload{Positions: map[string]int{"First": 50}},
	}, "admin-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}
