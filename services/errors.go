package services

import "errors"

// ReasonCode is the stable, machine-checkable code attached to every
// rejection, distinct from the human-readable message.
type ReasonCode string

const (
	ReasonNone                ReasonCode = ""
	ReasonDuplicate           ReasonCode = "duplicate_submission"
	ReasonNoRule              ReasonCode = "no_rule_configured"
	ReasonChainNotAllowed     ReasonCode = "chain_not_allowed"
	ReasonProtocolNotAllowed  ReasonCode = "protocol_not_allowed"
	ReasonAmountBelowMinimum  ReasonCode = "amount_below_minimum"
	ReasonInvalidAmount       ReasonCode = "invalid_amount"
	ReasonCooldownActive      ReasonCode = "cooldown_active"
	ReasonDailyLimitReached   ReasonCode = "daily_limit_reached"
	ReasonVerificationFailed  ReasonCode = "verification_failed"
	ReasonVerifierUnavailable ReasonCode = "verifier_unavailable"
	ReasonInvariantViolation  ReasonCode = "invariant_violation"
)

// Sentinel errors for the hard-failure taxonomy. Policy rejections are not
// errors; they travel in AwardResult.
var (
	ErrInsufficientBalance = errors.New("ledger append would produce a negative balance")
	ErrConcurrentUpdate    = errors.New("balance changed concurrently during ledger append")
	ErrUserNotFound        = errors.New("user not found")
	ErrQuestNotFound       = errors.New("quest not found")
	ErrQuestNotCompleted   = errors.New("quest is not completed")
	ErrQuestAlreadyClaimed = errors.New("quest reward already claimed")
	ErrAlreadyReferred     = errors.New("invitee already has a referral")
	ErrSelfReferral        = errors.New("cannot refer yourself")
	ErrInvalidReferralCode = errors.New("referral code not found")
	ErrReferralNotFound    = errors.New("referral not found")
	ErrReferralTerminal    = errors.New("referral is in a terminal state")
	ErrInvalidAdjustReason = errors.New("adjustment reason must be admin_adjustment or penalty")
	ErrNonceExpired        = errors.New("authentication nonce expired or missing")
	ErrBadSignature        = errors.New("signature does not match wallet")
	ErrInvalidAddress      = errors.New("invalid wallet address")
)
