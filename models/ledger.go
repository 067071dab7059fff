package models

import "time"

// LedgerReason tags why a ledger entry exists. Closed enumeration; anything
// outside it is recorded as ReasonOther.
type LedgerReason string

const (
	ReasonConnectWallet         LedgerReason = "connect_wallet"
	ReasonDeposit               LedgerReason = "deposit"
	ReasonSupply                LedgerReason = "supply"
	ReasonBorrow                LedgerReason = "borrow"
	ReasonSwap                  LedgerReason = "swap"
	ReasonClaimFaucet           LedgerReason = "claim_faucet"
	ReasonCompleteQuest         LedgerReason = "complete_quest"
	ReasonReferralRewardInviter LedgerReason = "referral_reward_inviter"
	ReasonReferralRewardInvitee LedgerReason = "referral_reward_invitee"
	ReasonSelectStrategy        LedgerReason = "select_strategy"
	ReasonAdminAdjustment       LedgerReason = "admin_adjustment"
	ReasonPenalty               LedgerReason = "penalty"
	ReasonOther                 LedgerReason = "other"
)

var ledgerReasons = map[LedgerReason]bool{
	ReasonConnectWallet: true, ReasonDeposit: true, ReasonSupply: true,
	ReasonBorrow: true, ReasonSwap: true, ReasonClaimFaucet: true,
	ReasonCompleteQuest: true, ReasonReferralRewardInviter: true,
	ReasonReferralRewardInvitee: true, ReasonSelectStrategy: true,
	ReasonAdminAdjustment: true, ReasonPenalty: true, ReasonOther: true,
}

// ReasonForAction maps an event action type onto the closed reason enum.
func ReasonForAction(actionType string) LedgerReason {
	r := LedgerReason(actionType)
	if ledgerReasons[r] {
		return r
	}
	return ReasonOther
}

// XPLedgerEntry is an immutable, append-only XP fact. BalanceAfter snapshots
// the user's balance immediately after applying DeltaXP; the running sum of a
// user's entries in creation order always equals the user's cached TotalXP.
type XPLedgerEntry struct {
	ID      string  `gorm:"primaryKey;type:uuid" json:"id"`
	UserID  string  `gorm:"index;not null" json:"user_id"`
	EventID *string `gorm:"index" json:"event_id,omitempty"`

	DeltaXP      int64        `gorm:"not null" json:"delta_xp"`
	BalanceAfter int64        `gorm:"not null" json:"balance_after"`
	Reason       LedgerReason `gorm:"size:32;not null;index" json:"reason"`
	Description  string       `gorm:"size:255" json:"description,omitempty"`

	Metadata map[string]string `gorm:"serializer:json" json:"metadata,omitempty"`

	// Append-only: created, never updated or deleted.
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
