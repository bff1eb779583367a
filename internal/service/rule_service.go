package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/activity-points-api/internal/models"
	"github.com/noah-isme/activity-points-api/internal/scoring"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

type ruleRepository interface {
	GetCurrent(ctx context.Context, kind models.RuleKind, categoryName string) (*models.RuleSnapshot, error)
	CurrentVersion(ctx context.Context, kind models.RuleKind, categoryName string) (int, error)
	GetByID(ctx context.Context, id string) (*models.RuleSnapshot, error)
	History(ctx context.Context, kind models.RuleKind, categoryName string) ([]models.RuleSnapshot, error)
	CategoriesWithRules(ctx context.Context) ([]string, error)
	Commit(ctx context.Context, snapshot *models.RuleSnapshot, expectedVersion int) error
}

type ruleEventStore interface {
	ListApprovedByCategory(ctx context.Context, categoryName string) ([]models.Event, error)
	ListApprovedExcludingCategories(ctx context.Context, categories []string) ([]models.Event, error)
	FlagApprovedStale(ctx context.Context, categoryName string, excluding []string) ([]models.StaleRef, error)
}

type impactAnalyzer interface {
	Analyze(ctx context.Context, kind models.RuleKind, categoryName string, proposed models.RulePayload) (*models.ImpactReport, error)
}

type recalculator interface {
	Recalculate(ctx context.Context, snapshot *models.RuleSnapshot, events []models.Event) (*RecalcSummary, error)
	FlagStudentsStale(ctx context.Context, ids []string) error
}

type auditRecorder interface {
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
}

type cacheInvalidator interface {
	DeleteByPattern(ctx context.Context, pattern string) error
}

// ProposeRuleRequest is the draft submission payload.
type ProposeRuleRequest struct {
	Kind         models.RuleKind    `json:"kind" validate:"required,oneof=CATEGORY_RULES POSITION_POINTS"`
	CategoryName string             `json:"category_name"`
	Payload      models.RulePayload `json:"payload" validate:"required"`
	Notes        string             `json:"notes"`
}

// RuleService is the configuration manager. Drafts live in memory and move
// through propose, preview, commit; only commits touch the database. Commits
// for the same kind/category are serialized locally and guarded by a
// compare-and-swap on the stored pointer version, so two admins can never
// both win.
type RuleService struct {
	repo      ruleRepository
	events    ruleEventStore
	impact    impactAnalyzer
	recalc    recalculator
	audit     auditRecorder
	cache     cacheInvalidator
	validator *validator.Validate
	logger    *zap.Logger

	mu     sync.Mutex
	drafts map[string]*models.RuleDraft
	// commitLocks serializes commits per (kind, category).
	commitLocks map[string]*sync.Mutex
}

// NewRuleService constructs the configuration manager.
func NewRuleService(repo ruleRepository, events ruleEventStore, impact impactAnalyzer, recalc recalculator, audit auditRecorder, cache cacheInvalidator, validate *validator.Validate, logger *zap.Logger) *RuleService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleService{
		repo:        repo,
		events:      events,
		impact:      impact,
		recalc:      recalc,
		audit:       audit,
		cache:       cache,
		validator:   validate,
		logger:      logger,
		drafts:      make(map[string]*models.RuleDraft),
		commitLocks: make(map[string]*sync.Mutex),
	}
}

// Current returns the committed snapshot for a kind/category.
func (s *RuleService) Current(ctx context.Context, kind models.RuleKind, categoryName string) (*models.RuleSnapshot, error) {
	snapshot, err := s.repo.GetCurrent(ctx, kind, categoryName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no rule configuration committed for this scope")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current rule snapshot")
	}
	return snapshot, nil
}

// EffectiveSnapshot resolves the snapshot that governs scoring for a
// category: its own committed tree when one exists, otherwise the global
// position points.
func (s *RuleService) EffectiveSnapshot(ctx context.Context, categoryName string) (*models.RuleSnapshot, error) {
	snapshot, err := s.repo.GetCurrent(ctx, models.RuleKindCategory, categoryName)
	if err == nil {
		return snapshot, nil
	}
	if err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current rule snapshot")
	}

	snapshot, err = s.repo.GetCurrent(ctx, models.RuleKindPosition, "")
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("no rule configuration governs category %q", categoryName))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current rule snapshot")
	}
	return snapshot, nil
}

// History lists all snapshots for a kind/category, newest first.
func (s *RuleService) History(ctx context.Context, kind models.RuleKind, categoryName string) ([]models.RuleSnapshot, error) {
	snapshots, err := s.repo.History(ctx, kind, categoryName)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list rule history")
	}
	return snapshots, nil
}

// GetSnapshot loads one snapshot by id, committed or historical.
func (s *RuleService) GetSnapshot(ctx context.Context, id string) (*models.RuleSnapshot, error) {
	snapshot, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "rule snapshot not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rule snapshot")
	}
	return snapshot, nil
}

// Propose validates a payload and registers it as an in-memory draft pinned
// to the version it was authored against. Invalid payloads are rejected whole;
// nothing is stored.
func (s *RuleService) Propose(ctx context.Context, req ProposeRuleRequest, proposedBy string) (*models.RuleDraft, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rule proposal")
	}
	if req.Kind == models.RuleKindCategory && req.CategoryName == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "category rules require a category name")
	}
	if req.Kind == models.RuleKindPosition && req.CategoryName != "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "position points are global and carry no category name")
	}
	if err := scoring.ValidatePayload(req.Kind, req.Payload); err != nil {
		return nil, err
	}

	baseVersion, err := s.repo.CurrentVersion(ctx, req.Kind, req.CategoryName)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current rule version")
	}

	draft := &models.RuleDraft{
		ID:           uuid.NewString(),
		Kind:         req.Kind,
		CategoryName: req.CategoryName,
		Payload:      req.Payload,
		Notes:        req.Notes,
		ProposedBy:   proposedBy,
		BaseVersion:  baseVersion,
		ProposedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.drafts[draft.ID] = draft
	s.mu.Unlock()

	s.recordAudit(ctx, proposedBy, models.AuditActionRulePropose, draft.ID, nil, draft)
	s.logger.Sugar().Infow("rule draft proposed",
		"draft_id", draft.ID, "kind", draft.Kind, "category", draft.CategoryName, "base_version", baseVersion)
	return draft, nil
}

// Preview runs the impact analysis for a draft and records its aggregate
// totals so the commit can verify the realized recalculation against them.
func (s *RuleService) Preview(ctx context.Context, draftID string) (*models.ImpactReport, error) {
	draft, err := s.draft(draftID)
	if err != nil {
		return nil, err
	}

	currentVersion, err := s.repo.CurrentVersion(ctx, draft.Kind, draft.CategoryName)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current rule version")
	}
	if currentVersion != draft.BaseVersion {
		return nil, appErrors.Clone(appErrors.ErrConcurrentModification,
			fmt.Sprintf("draft was proposed against version %d but version %d is now current", draft.BaseVersion, currentVersion))
	}

	report, err := s.impact.Analyze(ctx, draft.Kind, draft.CategoryName, draft.Payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// The draft may have been committed or discarded while the analysis ran.
	if stored, ok := s.drafts[draftID]; ok {
		stored.PreviewTotals = &models.PreviewTotals{
			TotalEventsAffected:   report.TotalEventsAffected,
			TotalStudentsAffected: report.TotalStudentsAffected,
			TotalPointsChange:     report.TotalPointsChange,
		}
	}
	s.mu.Unlock()

	return report, nil
}

// Commit turns a draft into a new immutable snapshot, repoints current via
// compare-and-swap, and synchronously rescores every affected approved event.
// When the realized deltas disagree with the last preview the commit still
// stands but the result is flagged inconsistent for the admin to inspect.
func (s *RuleService) Commit(ctx context.Context, draftID, committedBy string) (*models.CommitResult, error) {
	draft, err := s.draft(draftID)
	if err != nil {
		return nil, err
	}

	lock := s.commitLock(draft.Kind, draft.CategoryName)
	lock.Lock()
	defer lock.Unlock()

	snapshot := &models.RuleSnapshot{
		ID:           uuid.NewString(),
		Kind:         draft.Kind,
		CategoryName: draft.CategoryName,
		Version:      draft.BaseVersion + 1,
		Payload:      draft.Payload,
		Notes:        draft.Notes,
		CreatedBy:    committedBy,
	}

	if err := s.repo.Commit(ctx, snapshot, draft.BaseVersion); err != nil {
		if appErrors.Is(err, appErrors.ErrConcurrentModification) {
			s.logger.Sugar().Warnw("rule commit lost the version race",
				"draft_id", draft.ID, "kind", draft.Kind, "category", draft.CategoryName, "base_version", draft.BaseVersion)
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit rule snapshot")
	}

	// The pointer has moved; from here on the snapshot is canonical and no
	// failure may roll the commit back or strand the scores it governs.
	events, err := s.affectedEvents(ctx, snapshot)
	var summary *RecalcSummary
	if err == nil {
		summary, err = s.recalc.Recalculate(ctx, snapshot, events)
	}
	if err != nil {
		return s.deferRecalc(ctx, draft, snapshot, committedBy, err)
	}

	result := &models.CommitResult{
		SnapshotID:        snapshot.ID,
		Version:           snapshot.Version,
		EventsRescored:    summary.EventsRescored,
		StudentsUpdated:   summary.StudentsUpdated,
		TotalPointsChange: summary.TotalPointsChange,
		StaleEventIDs:     summary.StaleEventIDs,
		StaleStudentIDs:   summary.StaleStudentIDs,
		Consistent:        true,
	}
	if previewed := s.previewTotals(draft.ID); previewed != nil && previewed.TotalPointsChange != summary.TotalPointsChange {
		result.Consistent = false
		s.logger.Sugar().Warnw("commit deltas disagree with preview",
			"snapshot_id", snapshot.ID,
			"previewed_change", previewed.TotalPointsChange,
			"realized_change", summary.TotalPointsChange)
	}

	s.mu.Lock()
	delete(s.drafts, draft.ID)
	s.mu.Unlock()

	s.recordAudit(ctx, committedBy, models.AuditActionRuleCommit, snapshot.ID, draft, result)
	s.invalidateCaches(ctx)

	s.logger.Sugar().Infow("rule snapshot committed",
		"snapshot_id", snapshot.ID,
		"kind", snapshot.Kind,
		"category", snapshot.CategoryName,
		"version", snapshot.Version,
		"events_rescored", summary.EventsRescored,
		"consistent", result.Consistent)
	return result, nil
}

// deferRecalc finishes a commit whose recalculation phase failed after the
// snapshot was already written. Rather than leaving scores that silently
// reflect the old rules, every approved event the snapshot governs is flagged
// stale together with its student; the background pass then rescores them
// against the now-current snapshot. The draft is consumed either way, since
// its compare-and-swap base version is spent.
func (s *RuleService) deferRecalc(ctx context.Context, draft *models.RuleDraft, snapshot *models.RuleSnapshot, committedBy string, cause error) (*models.CommitResult, error) {
	var excluding []string
	if snapshot.Kind == models.RuleKindPosition {
		if withTrees, err := s.repo.CategoriesWithRules(ctx); err == nil {
			excluding = withTrees
		}
	}
	refs, err := s.events.FlagApprovedStale(ctx, snapshot.CategoryName, excluding)
	if err != nil {
		s.logger.Sugar().Errorw("failed to flag committed scope stale",
			"snapshot_id", snapshot.ID, "cause", cause, "error", err)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status,
			"rule snapshot committed but its events could not be flagged for recalculation")
	}

	result := &models.CommitResult{
		SnapshotID:    snapshot.ID,
		Version:       snapshot.Version,
		RecalcPending: true,
	}
	seen := make(map[string]struct{})
	for _, ref := range refs {
		result.StaleEventIDs = append(result.StaleEventIDs, ref.EventID)
		if _, ok := seen[ref.StudentID]; !ok {
			seen[ref.StudentID] = struct{}{}
			result.StaleStudentIDs = append(result.StaleStudentIDs, ref.StudentID)
		}
	}
	sort.Strings(result.StaleEventIDs)
	sort.Strings(result.StaleStudentIDs)
	if len(result.StaleStudentIDs) > 0 {
		if err := s.recalc.FlagStudentsStale(ctx, result.StaleStudentIDs); err != nil {
			s.logger.Sugar().Warnw("failed to flag students stale", "snapshot_id", snapshot.ID, "error", err)
		}
	}

	s.mu.Lock()
	delete(s.drafts, draft.ID)
	s.mu.Unlock()

	s.recordAudit(ctx, committedBy, models.AuditActionRuleCommit, snapshot.ID, draft, result)
	s.invalidateCaches(ctx)

	s.logger.Sugar().Warnw("rule snapshot committed with recalculation deferred",
		"snapshot_id", snapshot.ID,
		"version", snapshot.Version,
		"stale_events", len(result.StaleEventIDs),
		"stale_students", len(result.StaleStudentIDs),
		"error", cause)
	return result, nil
}

// DiscardDraft drops an uncommitted draft.
func (s *RuleService) DiscardDraft(draftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[draftID]; !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "rule draft not found")
	}
	delete(s.drafts, draftID)
	return nil
}

// Drafts lists pending drafts.
func (s *RuleService) Drafts() []models.RuleDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	drafts := make([]models.RuleDraft, 0, len(s.drafts))
	for _, draft := range s.drafts {
		drafts = append(drafts, *draft)
	}
	return drafts
}

// draft returns a copy so callers never touch the stored entry outside the
// lock; Preview mutates the stored draft concurrently.
func (s *RuleService) draft(draftID string) (*models.RuleDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft, ok := s.drafts[draftID]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "rule draft not found")
	}
	copied := *draft
	return &copied, nil
}

func (s *RuleService) previewTotals(draftID string) *models.PreviewTotals {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.drafts[draftID]; ok {
		return stored.PreviewTotals
	}
	return nil
}

func (s *RuleService) commitLock(kind models.RuleKind, categoryName string) *sync.Mutex {
	key := string(kind) + "\x00" + categoryName
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.commitLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.commitLocks[key] = lock
	}
	return lock
}

func (s *RuleService) affectedEvents(ctx context.Context, snapshot *models.RuleSnapshot) ([]models.Event, error) {
	if snapshot.Kind == models.RuleKindCategory {
		events, err := s.events.ListApprovedByCategory(ctx, snapshot.CategoryName)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load affected events")
		}
		return events, nil
	}

	withTrees, err := s.repo.CategoriesWithRules(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rule categories")
	}
	events, err := s.events.ListApprovedExcludingCategories(ctx, withTrees)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load affected events")
	}
	return events, nil
}

func (s *RuleService) recordAudit(ctx context.Context, actor, action, resourceID string, oldValue, newValue interface{}) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		Action:     action,
		Resource:   "rule_snapshots",
		ResourceID: &resourceID,
	}
	if actor != "" {
		entry.UserID = &actor
	}
	if oldValue != nil {
		if raw, err := json.Marshal(oldValue); err == nil {
			entry.OldValues = raw
		}
	}
	if newValue != nil {
		if raw, err := json.Marshal(newValue); err == nil {
			entry.NewValues = raw
		}
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Sugar().Warnw("failed to record audit entry", "action", action, "error", err)
	}
}

func (s *RuleService) invalidateCaches(ctx context.Context) {
	if s.cache == nil {
		return
	}
	for _, pattern := range []string{"leaderboard:*", "snapshot:*"} {
		if err := s.cache.DeleteByPattern(ctx, pattern); err != nil {
			s.logger.Sugar().Warnw("cache invalidation failed", "pattern", pattern, "error", err)
		}
	}
}
