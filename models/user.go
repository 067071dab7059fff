package models

import (
	"time"

	"gorm.io/gorm"
)

// User is keyed by a normalized wallet address (lowercase 0x-prefixed hex).
// A row is created on the first authentication challenge. TotalXP is a cached
// projection of the XP ledger and is mutated only by the ledger append path.
type User struct {
	ID            string `gorm:"primaryKey;type:uuid" json:"id"`
	WalletAddress string `gorm:"uniqueIndex;size:42;not null" json:"wallet_address"`
	ReferralCode  string `gorm:"uniqueIndex;size:12;not null" json:"referral_code"`

	TotalXP int64 `gorm:"not null;default:0" json:"total_xp"`

	// Challenge/response auth state
	AuthNonce          string     `gorm:"size:64" json:"-"`
	AuthNonceExpiresAt *time.Time `json:"-"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`

	IsAdmin bool `gorm:"not null;default:false" json:"is_admin"`

	// Suspicious-activity metadata, bumped by admins or fraud checks
	SuspiciousFlags int        `gorm:"not null;default:0" json:"suspicious_flags"`
	LastFlaggedAt   *time.Time `json:"last_flagged_at,omitempty"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}
