package models

import "time"

// EventStatus is the pipeline state of a submitted action attempt.
type EventStatus string

const (
	EventStatusRecorded  EventStatus = "recorded"
	EventStatusVerified  EventStatus = "verified"
	EventStatusProcessed EventStatus = "processed"
	EventStatusFailed    EventStatus = "failed"
)

// Event is one row per submitted action attempt, kept forever as audit trail.
// (UserID, DedupKey) is unique: a second submission with the same key is a
// duplicate, enforced by the index rather than a read-then-write check.
type Event struct {
	ID         string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID     string `gorm:"uniqueIndex:ux_event_user_dedup,priority:1;index;not null" json:"user_id"`
	ActionType string `gorm:"index;size:64;not null" json:"action_type"`
	DedupKey   string `gorm:"uniqueIndex:ux_event_user_dedup,priority:2;size:128;not null" json:"dedup_key"`

	// On-chain metadata (optional per action type)
	TxHash      string `gorm:"size:66" json:"tx_hash,omitempty"`
	ChainID     int64  `json:"chain_id,omitempty"`
	TokenSymbol string `gorm:"size:16" json:"token_symbol,omitempty"`
	Amount      string `gorm:"size:78" json:"amount,omitempty"` // decimal string, never float
	Protocol    string `gorm:"size:64" json:"protocol,omitempty"`

	Status      EventStatus `gorm:"size:16;not null;default:'recorded';index" json:"status"`
	FailReason  string      `gorm:"size:255" json:"fail_reason,omitempty"`
	XPAwarded   int64       `gorm:"not null;default:0" json:"xp_awarded"`
	ProcessedAt *time.Time  `gorm:"index" json:"processed_at,omitempty"`

	Timestamps
}

// HasTxRef reports whether the event claims an on-chain action.
func (e *Event) HasTxRef() bool {
	return e.TxHash != "" && e.ChainID != 0
}
