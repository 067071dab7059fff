package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"xp-quest-backend/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	leaderboardMaxRows  = 1000
	leaderboardCacheTop = 100
	leaderboardCacheTTL = 10 * time.Minute
)

// LeaderboardService materializes ranked balance snapshots on a schedule and
// serves rank pages from them. Ranking is plain sort-and-paginate over the
// cached balances; reads never touch the live pipeline.
type LeaderboardService struct {
	DB    *gorm.DB
	cache *redis.Client // optional; nil disables caching
	log   *zap.Logger

	Now func() time.Time
}

func NewLeaderboardService(db *gorm.DB, cache *redis.Client, log *zap.Logger) *LeaderboardService {
	return &LeaderboardService{DB: db, cache: cache, log: log, Now: time.Now}
}

// PeriodKey identifies a snapshot generation: the UTC date.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Materialize snapshots the top balances into rank rows for the current
// period, replacing any earlier snapshot of the same period, and refreshes
// the redis top-N cache when one is configured.
func (s *LeaderboardService) Materialize(ctx context.Context) error {
	now := s.Now().UTC()
	period := PeriodKey(now)

	var users []models.User
	err := s.DB.WithContext(ctx).
		Order("total_xp DESC, created_at ASC").
		Limit(leaderboardMaxRows).
		Find(&users).Error
	if err != nil {
		return fmt.Errorf("rank users: %w", err)
	}

	rows := make([]models.LeaderboardSnapshot, 0, len(users))
	for i, user := range users {
		rows = append(rows, models.LeaderboardSnapshot{
			ID:            uuid.NewString(),
			PeriodKey:     period,
			UserID:        user.ID,
			Rank:          i + 1,
			WalletAddress: user.WalletAddress,
			TotalXP:       user.TotalXP,
			GeneratedAt:   now,
		})
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("period_key = ?", period).
			Delete(&models.LeaderboardSnapshot{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 200).Error
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	s.refreshCache(ctx, period, rows)
	s.log.Info("leaderboard materialized",
		zap.String("period", period),
		zap.Int("rows", len(rows)))
	return nil
}

func (s *LeaderboardService) refreshCache(ctx context.Context, period string, rows []models.LeaderboardSnapshot) {
	if s.cache == nil {
		return
	}
	top := rows
	if len(top) > leaderboardCacheTop {
		top = top[:leaderboardCacheTop]
	}
	payload, err := json.Marshal(top)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, "leaderboard:top:"+period, payload, leaderboardCacheTTL).Err(); err != nil {
		s.log.Warn("leaderboard cache refresh failed", zap.Error(err))
	}
}

// Top returns a rank page from the latest snapshot of the period, serving
// the first page from redis when possible.
func (s *LeaderboardService) Top(ctx context.Context, period string, limit, offset int) ([]models.LeaderboardSnapshot, error) {
	if limit <= 0 || limit > leaderboardCacheTop {
		limit = 50
	}

	if s.cache != nil && offset == 0 {
		raw, err := s.cache.Get(ctx, "leaderboard:top:"+period).Bytes()
		if err == nil {
			var cached []models.LeaderboardSnapshot
			if json.Unmarshal(raw, &cached) == nil && len(cached) >= limit {
				return cached[:limit], nil
			}
		}
	}

	var rows []models.LeaderboardSnapshot
	err := s.DB.WithContext(ctx).
		Where("period_key = ?", period).
		Order("rank ASC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	return rows, err
}

// Around returns the snapshot window of ranks within radius of the user's
// own rank, for the "you are here" leaderboard view.
func (s *LeaderboardService) Around(ctx context.Context, period, userID string, radius int) ([]models.LeaderboardSnapshot, error) {
	if radius <= 0 {
		radius = 5
	}

	var own models.LeaderboardSnapshot
	err := s.DB.WithContext(ctx).
		Where("period_key = ? AND user_id = ?", period, userID).
		First(&own).Error
	if err != nil {
		return nil, err
	}

	lower := own.Rank - radius
	if lower < 1 {
		lower = 1
	}
	upper := own.Rank + radius

	var rows []models.LeaderboardSnapshot
	err = s.DB.WithContext(ctx).
		Where("period_key = ? AND rank BETWEEN ? AND ?", period, lower, upper).
		Order("rank ASC").
		Find(&rows).Error
	return rows, err
}

// StartScheduler runs Materialize on an interval until the context ends.
func (s *LeaderboardService) StartScheduler(ctx context.Context, interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := s.Materialize(ctx); err != nil {
				s.log.Error("leaderboard materialization failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	go func() {
		<-ctx.Done()
		_ = sched.Shutdown()
	}()
	return sched, nil
}
