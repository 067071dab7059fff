package models

// XPRule is the per-action award policy. At most one active rule exists per
// action type; the service layer enforces that on upsert. Rules are
// read-mostly configuration mutated only through the admin surface.
type XPRule struct {
	ID         string `gorm:"primaryKey;type:uuid" json:"id"`
	ActionType string `gorm:"uniqueIndex;size:64;not null" json:"action_type"`

	XPAmount        int64   `gorm:"not null" json:"xp_amount"`
	DailyLimit      *int    `json:"daily_limit,omitempty"`
	CooldownMinutes *int    `json:"cooldown_minutes,omitempty"`
	MinAmount       *string `gorm:"size:78" json:"min_amount,omitempty"` // decimal string

	ValidChainIDs  []int64  `gorm:"serializer:json" json:"valid_chain_ids,omitempty"`
	ValidProtocols []string `gorm:"serializer:json" json:"valid_protocols,omitempty"`

	IsActive bool `gorm:"not null;default:true;index" json:"is_active"`

	Timestamps
}

// AllowsChain reports membership in the chain allow-list; an empty list
// allows every chain.
func (r *XPRule) AllowsChain(chainID int64) bool {
	if len(r.ValidChainIDs) == 0 {
		return true
	}
	for _, id := range r.ValidChainIDs {
		if id == chainID {
			return true
		}
	}
	return false
}

// AllowsProtocol reports membership in the protocol allow-list; an empty
// list allows every protocol.
func (r *XPRule) AllowsProtocol(protocol string) bool {
	if len(r.ValidProtocols) == 0 {
		return true
	}
	for _, p := range r.ValidProtocols {
		if p == protocol {
			return true
		}
	}
	return false
}
