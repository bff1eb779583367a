package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/activity-points-api/internal/models"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

type leaderboardReader interface {
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)
}

// LeaderboardService serves ranked point totals with a short-lived cache.
// Rankings are built from the students' cached totals, so entries flagged
// stale are surfaced as such rather than hidden.
type LeaderboardService struct {
	students leaderboardReader
	cache    *CacheService
	ttl      time.Duration
	limit    int
	logger   *zap.Logger
}

// NewLeaderboardService constructs the service.
func NewLeaderboardService(students leaderboardReader, cache *CacheService, ttl time.Duration, limit int, logger *zap.Logger) *LeaderboardService {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if limit <= 0 {
		limit = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaderboardService{students: students, cache: cache, ttl: ttl, limit: limit, logger: logger}
}

// Get returns the top students by points, served from cache when fresh.
func (s *LeaderboardService) Get(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}

	key := fmt.Sprintf("leaderboard:%d", limit)
	var cached []models.LeaderboardEntry
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	entries, err := s.students.Leaderboard(ctx, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load leaderboard")
	}

	if err := s.cache.Set(ctx, key, entries, s.ttl); err != nil {
		s.logger.Sugar().Warnw("leaderboard cache write failed", "error", err)
	}
	return entries, nil
}

// Invalidate drops cached rankings, called after commits and reviews.
func (s *LeaderboardService) Invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, "leaderboard:*"); err != nil {
		s.logger.Sugar().Warnw("leaderboard cache invalidation failed", "error", err)
	}
}
