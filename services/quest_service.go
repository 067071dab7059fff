package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xp-quest-backend/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// xpAwarder is the slice of the award engine the quest and referral trackers
// need for reward payouts; wired after construction to keep the dependency
// direction clean (the engine fans out into the trackers). AwardXPTx lets a
// payout share the transaction of the state flip that triggers it.
type xpAwarder interface {
	AwardXP(ctx context.Context, userID string, delta int64, reason models.LedgerReason, description string, eventID *string, metadata map[string]string) (*models.XPLedgerEntry, error)
	AwardXPTx(tx *gorm.DB, userID string, delta int64, reason models.LedgerReason, description string, eventID *string, metadata map[string]string) (*models.XPLedgerEntry, error)
	LockUsers(userIDs ...string) func()
}

// QuestService maintains per-user per-period counters against quest rules.
// Progress is advanced by the award engine as a side effect and read
// independently for the quest UI.
type QuestService struct {
	DB  *gorm.DB
	log *zap.Logger

	awarder xpAwarder

	Now func() time.Time
}

func NewQuestService(db *gorm.DB, log *zap.Logger) *QuestService {
	return &QuestService{DB: db, log: log, Now: time.Now}
}

func (s *QuestService) WithAwarder(a xpAwarder) { s.awarder = a }

// PeriodBounds computes the progress window for a cadence at time t. All
// boundaries are fixed in UTC: daily is the UTC calendar day, weekly runs
// Sunday 00:00:00 UTC through the end of Saturday, one-time is unbounded.
func PeriodBounds(cadence models.QuestCadence, t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	switch cadence {
	case models.CadenceDaily:
		start := DayStart(t)
		return start, start.AddDate(0, 0, 1).Add(-time.Millisecond)
	case models.CadenceWeekly:
		start := DayStart(t).AddDate(0, 0, -int(t.Weekday()))
		return start, start.AddDate(0, 0, 7).Add(-time.Millisecond)
	default: // one-time
		return time.Unix(0, 0).UTC(), time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
}

// GetOrCreateProgress returns the progress row for the quest's current
// period, creating it lazily. Creation races resolve through the composite
// unique index: the loser re-reads the winner's row.
func (s *QuestService) GetOrCreateProgress(ctx context.Context, userID string, quest *models.Quest, t time.Time) (*models.QuestProgress, error) {
	start, end := PeriodBounds(quest.Cadence, t)

	var progress models.QuestProgress
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND quest_id = ? AND period_start = ?", userID, quest.ID, start).
		First(&progress).Error
	if err == nil {
		return &progress, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load quest progress: %w", err)
	}

	progress = models.QuestProgress{
		ID:          uuid.NewString(),
		UserID:      userID,
		QuestID:     quest.ID,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	if err := s.DB.WithContext(ctx).Create(&progress).Error; err != nil {
		if isDuplicateErr(err) {
			err = s.DB.WithContext(ctx).
				Where("user_id = ? AND quest_id = ? AND period_start = ?", userID, quest.ID, start).
				First(&progress).Error
		}
		if err != nil {
			return nil, fmt.Errorf("create quest progress: %w", err)
		}
	}
	return &progress, nil
}

// ApplyEvent advances every active quest whose rule matches the action type
// by one, marking completion when the target count is reached. The increment
// is a single conditional UPDATE so concurrent events never lose counts.
func (s *QuestService) ApplyEvent(ctx context.Context, userID, actionType, eventID string, t time.Time) error {
	var quests []models.Quest
	err := s.DB.WithContext(ctx).
		Where("action_type = ? AND is_active = ?", actionType, true).
		Find(&quests).Error
	if err != nil {
		return fmt.Errorf("list quests for %s: %w", actionType, err)
	}

	for i := range quests {
		quest := &quests[i]
		progress, err := s.GetOrCreateProgress(ctx, userID, quest, t)
		if err != nil {
			return err
		}
		err = s.DB.WithContext(ctx).Model(&models.QuestProgress{}).
			Where("id = ?", progress.ID).
			Updates(map[string]any{
				"progress_value": gorm.Expr("progress_value + 1"),
				"is_completed":   gorm.Expr("progress_value + 1 >= ?", quest.TargetCount),
			}).Error
		if err != nil {
			return fmt.Errorf("advance quest %s: %w", quest.ID, err)
		}
		s.log.Debug("quest progress advanced",
			zap.String("quest_id", quest.ID),
			zap.String("user_id", userID),
			zap.String("event_id", eventID))
	}
	return nil
}

// Claim pays the quest reward exactly once. The claimed flag flips through a
// conditional UPDATE guarded on is_completed and not is_claimed, so a second
// claim (concurrent or later) is rejected rather than double-paid.
func (s *QuestService) Claim(ctx context.Context, userID, questID string) (int64, error) {
	now := s.Now().UTC()

	var quest models.Quest
	if err := s.DB.WithContext(ctx).First(&quest, "id = ?", questID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrQuestNotFound
		}
		return 0, err
	}

	start, _ := PeriodBounds(quest.Cadence, now)
	var progress models.QuestProgress
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND quest_id = ? AND period_start = ?", userID, questID, start).
		First(&progress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrQuestNotCompleted
	}
	if err != nil {
		return 0, err
	}
	if !progress.IsCompleted {
		return 0, ErrQuestNotCompleted
	}
	if progress.IsClaimed {
		return 0, ErrQuestAlreadyClaimed
	}

	// Flag flip and payout share one transaction: a failed payout rolls the
	// claim back, so the reward is retryable and never lost or double-paid.
	unlock := s.awarder.LockUsers(userID)
	defer unlock()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.QuestProgress{}).
			Where("id = ? AND is_completed = ? AND is_claimed = ?", progress.ID, true, false).
			Updates(map[string]any{"is_claimed": true, "claimed_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrQuestAlreadyClaimed
		}

		_, err := s.awarder.AwardXPTx(tx, userID, quest.RewardXP, models.ReasonCompleteQuest,
			fmt.Sprintf("Quest reward: %s", quest.Title), nil,
			map[string]string{"quest_id": quest.ID, "progress_id": progress.ID})
		return err
	})
	if errors.Is(err, ErrQuestAlreadyClaimed) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("claim quest: %w", err)
	}

	s.log.Info("quest reward claimed",
		zap.String("quest_id", quest.ID),
		zap.String("user_id", userID),
		zap.Int64("reward_xp", quest.RewardXP))
	return quest.RewardXP, nil
}

// QuestWithProgress pairs a quest with the caller's current-period progress
// for the quest UI.
type QuestWithProgress struct {
	Quest    models.Quest          `json:"quest"`
	Progress *models.QuestProgress `json:"progress,omitempty"`
}

// ListForUser returns all active quests with the user's progress in the
// current period, without creating missing rows.
func (s *QuestService) ListForUser(ctx context.Context, userID string) ([]QuestWithProgress, error) {
	now := s.Now().UTC()

	var quests []models.Quest
	if err := s.DB.WithContext(ctx).Where("is_active = ?", true).
		Order("created_at ASC").Find(&quests).Error; err != nil {
		return nil, err
	}

	out := make([]QuestWithProgress, 0, len(quests))
	for _, quest := range quests {
		start, _ := PeriodBounds(quest.Cadence, now)
		var progress models.QuestProgress
		err := s.DB.WithContext(ctx).
			Where("user_id = ? AND quest_id = ? AND period_start = ?", userID, quest.ID, start).
			First(&progress).Error
		item := QuestWithProgress{Quest: quest}
		if err == nil {
			item.Progress = &progress
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// CreateQuest is the admin surface for quest definitions.
func (s *QuestService) CreateQuest(ctx context.Context, quest models.Quest) (*models.Quest, error) {
	if quest.ID == "" {
		quest.ID = uuid.NewString()
	}
	if quest.TargetCount < 1 {
		quest.TargetCount = 1
	}
	if err := s.DB.WithContext(ctx).Create(&quest).Error; err != nil {
		return nil, fmt.Errorf("create quest: %w", err)
	}
	return &quest, nil
}
