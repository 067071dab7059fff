package models

import "time"

// ReferralStatus only moves forward: pending -> verified -> rewarded, with
// rejected reachable from pending or verified. Rewarded and rejected are
// terminal.
type ReferralStatus string

const (
	ReferralStatusPending  ReferralStatus = "pending"
	ReferralStatusVerified ReferralStatus = "verified"
	ReferralStatusRewarded ReferralStatus = "rewarded"
	ReferralStatusRejected ReferralStatus = "rejected"
)

// Referral tracks one invite relationship per invitee (uniqueIndex on
// InviteeID keeps the invitee single-use for the lifetime of the system).
type Referral struct {
	ID        string `gorm:"primaryKey;type:uuid" json:"id"`
	InviterID string `gorm:"index;not null" json:"inviter_id"`
	InviteeID string `gorm:"uniqueIndex;not null" json:"invitee_id"`

	ReferralCodeUsed string         `gorm:"size:12;not null" json:"referral_code_used"`
	Status           ReferralStatus `gorm:"size:16;not null;default:'pending';index" json:"status"`

	// Verification criteria; all three must hold for pending -> verified.
	FirstLoginAt       *time.Time `json:"first_login_at,omitempty"`
	FirstOnChainAt     *time.Time `json:"first_on_chain_at,omitempty"`
	XPThresholdReached bool       `gorm:"not null;default:false" json:"xp_threshold_reached"`
	XPThreshold        int64      `gorm:"not null;default:100" json:"xp_threshold"`

	// Reward amounts distributed on verified -> rewarded.
	InviterRewardXP int64      `gorm:"not null;default:0" json:"inviter_reward_xp"`
	InviteeRewardXP int64      `gorm:"not null;default:0" json:"invitee_reward_xp"`
	RewardedAt      *time.Time `json:"rewarded_at,omitempty"`

	RejectedReason string `gorm:"size:255" json:"rejected_reason,omitempty"`

	Timestamps
}
