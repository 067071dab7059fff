package models

import "time"

// LeaderboardSnapshot is a materialized rank row written by the periodic
// ranking job. Reads never touch the live user table.
type LeaderboardSnapshot struct {
	ID        string `gorm:"primaryKey;type:uuid" json:"id"`
	PeriodKey string `gorm:"uniqueIndex:ux_board_period_user,priority:1;index;size:16;not null" json:"period_key"`
	UserID    string `gorm:"uniqueIndex:ux_board_period_user,priority:2;not null" json:"user_id"`

	Rank          int    `gorm:"not null;index" json:"rank"`
	WalletAddress string `gorm:"size:42;not null" json:"wallet_address"`
	TotalXP       int64  `gorm:"not null" json:"total_xp"`

	GeneratedAt time.Time `gorm:"not null" json:"generated_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
