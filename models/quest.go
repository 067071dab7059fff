package models

import "time"

// QuestCadence is the recurrence window of a quest.
type QuestCadence string

const (
	CadenceDaily   QuestCadence = "daily"
	CadenceWeekly  QuestCadence = "weekly"
	CadenceOneTime QuestCadence = "one_time"
)

// Quest defines a completion rule (count of events of ActionType reaching
// TargetCount within the cadence window) and its XP reward.
type Quest struct {
	ID          string       `gorm:"primaryKey;type:uuid" json:"id"`
	Title       string       `gorm:"size:128;not null" json:"title"`
	Description string       `gorm:"size:512" json:"description,omitempty"`
	Cadence     QuestCadence `gorm:"size:16;not null" json:"cadence"`
	ActionType  string       `gorm:"index;size:64;not null" json:"action_type"`
	TargetCount int64        `gorm:"not null" json:"target_count"`
	RewardXP    int64        `gorm:"not null" json:"reward_xp"`
	IsActive    bool         `gorm:"not null;default:true;index" json:"is_active"`

	Timestamps
}

// QuestProgress is the per-user per-period counter. One row exists per
// (user, quest, period start), created lazily on the first matching event.
type QuestProgress struct {
	ID      string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID  string `gorm:"uniqueIndex:ux_progress_user_quest_period,priority:1;index;not null" json:"user_id"`
	QuestID string `gorm:"uniqueIndex:ux_progress_user_quest_period,priority:2;not null" json:"quest_id"`

	PeriodStart time.Time `gorm:"uniqueIndex:ux_progress_user_quest_period,priority:3;not null" json:"period_start"`
	PeriodEnd   time.Time `gorm:"not null" json:"period_end"`

	ProgressValue int64      `gorm:"not null;default:0" json:"progress_value"`
	IsCompleted   bool       `gorm:"not null;default:false" json:"is_completed"`
	IsClaimed     bool       `gorm:"not null;default:false" json:"is_claimed"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`

	Timestamps
}
