package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"xp-quest-backend/chain"
	"xp-quest-backend/models"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// referralEvaluator is the nudge port into the referral state machine;
// verification is re-evaluated lazily after events that touch an invitee.
type referralEvaluator interface {
	EvaluateForUser(ctx context.Context, userID string) error
}

// XPService is the award engine: it drives a submitted event through rule
// validation, cooldown/limit checks, on-chain verification and the ledger
// append, then fans out quest progress. The ledger append is the only code
// path that mutates User.TotalXP.
type XPService struct {
	DB       *gorm.DB
	rules    *RuleService
	quests   *QuestService
	verifier chain.Verifier
	registry *chain.ContractRegistry
	log      *zap.Logger

	referrals referralEvaluator

	// Per-user serialization of the read-balance/append/write-balance
	// sequence. Awards for different users never share a lock. The append
	// additionally guards the balance write with a compare-and-set so that
	// a second process can never silently lose an update.
	userLocks *xsync.Map[string, *sync.Mutex]

	// Now is swappable for tests.
	Now func() time.Time
}

func NewXPService(db *gorm.DB, rules *RuleService, quests *QuestService, verifier chain.Verifier, registry *chain.ContractRegistry, log *zap.Logger) *XPService {
	return &XPService{
		DB:        db,
		rules:     rules,
		quests:    quests,
		verifier:  verifier,
		registry:  registry,
		log:       log,
		userLocks: xsync.NewMap[string, *sync.Mutex](),
		Now:       time.Now,
	}
}

// WithReferralEvaluator wires the referral nudge after construction (the
// referral service depends on this service for payouts).
func (s *XPService) WithReferralEvaluator(r referralEvaluator) {
	s.referrals = r
}

// SubmitEventInput is the core-facing submission contract.
type SubmitEventInput struct {
	ActionType string `json:"action_type"`

	TxHash      string `json:"tx_hash,omitempty"`
	ChainID     int64  `json:"chain_id,omitempty"`
	TokenSymbol string `json:"token_symbol,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Protocol    string `json:"protocol,omitempty"`

	// ExpectedContract optionally overrides registry resolution; it is still
	// required to be a known protocol contract for the chain.
	ExpectedContract string `json:"expected_contract,omitempty"`

	// DedupKey is the idempotency key; derived from the tx reference when
	// absent.
	DedupKey string `json:"dedup_key,omitempty"`

	Description string `json:"description,omitempty"`
}

// AwardResult describes the outcome of a submission or award.
type AwardResult struct {
	Success         bool            `json:"success"`
	Duplicate       bool            `json:"duplicate,omitempty"`
	XPAwarded       int64           `json:"xp_awarded"`
	Reason          ReasonCode      `json:"reason,omitempty"`
	Message         string          `json:"message"`
	NextAvailableAt *time.Time      `json:"next_available_at,omitempty"`
	Retryable       bool            `json:"retryable,omitempty"`
	PartialFanout   bool            `json:"partial_fanout,omitempty"`
	EventID         string          `json:"event_id,omitempty"`
	Receipt         *chain.Receipt  `json:"receipt,omitempty"`
}

// SubmitEvent runs the full pipeline for one action attempt. Every attempt,
// including failures, leaves an Event row behind; only the dedup conflict
// path returns without recording (the original row is the record).
func (s *XPService) SubmitEvent(ctx context.Context, userID string, in SubmitEventInput) (AwardResult, error) {
	now := s.Now().UTC()

	event := &models.Event{
		ID:          uuid.NewString(),
		UserID:      userID,
		ActionType:  in.ActionType,
		DedupKey:    deriveDedupKey(in),
		TxHash:      in.TxHash,
		ChainID:     in.ChainID,
		TokenSymbol: strings.ToUpper(in.TokenSymbol),
		Amount:      in.Amount,
		Protocol:    in.Protocol,
		Status:      models.EventStatusRecorded,
	}

	// Step 1: record with the dedup key. The composite unique index closes
	// the race between two identical concurrent submissions.
	if err := s.DB.WithContext(ctx).Create(event).Error; err != nil {
		if isDuplicateErr(err) {
			return AwardResult{
				Duplicate: true,
				Reason:    ReasonDuplicate,
				Message:   "This action was already submitted",
			}, nil
		}
		return AwardResult{}, fmt.Errorf("record event: %w", err)
	}

	// Step 2: resolve the rule. No rule is not an error; the event still
	// counts toward audit history.
	rule, err := s.rules.GetActiveRule(ctx, in.ActionType)
	if err != nil {
		return AwardResult{}, err
	}
	if rule == nil {
		if err := s.markProcessed(ctx, event, 0, now); err != nil {
			return AwardResult{}, err
		}
		return AwardResult{
			Success: true,
			Reason:  ReasonNoRule,
			Message: "No rule configured for this action, recorded with zero XP",
			EventID: event.ID,
		}, nil
	}

	// Steps 3-4: policy checks, short-circuiting on the first failure.
	if res := s.rules.Validate(rule, event); !res.Valid {
		return s.failEvent(ctx, event, res.Reason, res.Message, nil)
	}
	if res, nextAt, err := s.rules.CheckCooldown(ctx, userID, rule, now); err != nil {
		return AwardResult{}, err
	} else if !res.Valid {
		return s.failEvent(ctx, event, res.Reason, res.Message, nextAt)
	}
	if res, _, err := s.rules.CheckDailyLimit(ctx, userID, rule, now); err != nil {
		return AwardResult{}, err
	} else if !res.Valid {
		return s.failEvent(ctx, event, res.Reason, res.Message, nil)
	}

	// Step 5: on-chain verification when the metadata implies one.
	var receipt *chain.Receipt
	if event.HasTxRef() {
		result, failed, err := s.verifyOnChain(ctx, event, in.ExpectedContract)
		if err != nil {
			return AwardResult{}, err
		}
		if failed != nil {
			return *failed, nil
		}
		receipt = result.Receipt
		if err := s.DB.WithContext(ctx).Model(event).
			Update("status", models.EventStatusVerified).Error; err != nil {
			return AwardResult{}, fmt.Errorf("mark verified: %w", err)
		}
		event.Status = models.EventStatusVerified
	}

	// Steps 6-7: ledger append and the processed transition, one atomic unit.
	entry, err := s.awardForEvent(ctx, event, rule.XPAmount, now)
	if err != nil {
		return AwardResult{}, err
	}

	// Step 8: best-effort fan-out. The XP is already committed; failures
	// here are logged and surfaced only as a partial-success signal.
	partial := false
	if err := s.quests.ApplyEvent(ctx, userID, event.ActionType, event.ID, now); err != nil {
		partial = true
		s.log.Error("quest fan-out failed after committed award",
			zap.String("event_id", event.ID),
			zap.String("user_id", userID),
			zap.Int64("xp_awarded", entry.DeltaXP),
			zap.Error(err))
	}
	s.nudgeReferral(ctx, userID)

	return AwardResult{
		Success:       true,
		XPAwarded:     entry.DeltaXP,
		Message:       fmt.Sprintf("Awarded %d XP for %s", entry.DeltaXP, event.ActionType),
		PartialFanout: partial,
		EventID:       event.ID,
		Receipt:       receipt,
	}, nil
}

// verifyOnChain resolves the expected contract and calls the verifier.
// Returns a non-nil AwardResult when the event was failed.
func (s *XPService) verifyOnChain(ctx context.Context, event *models.Event, callerContract string) (chain.Result, *AwardResult, error) {
	expected, _ := s.registry.Resolve(event.ChainID, event.ActionType, event.TokenSymbol)
	if callerContract != "" {
		// A caller-supplied contract never bypasses the registry: it must be
		// a known protocol contract, and must agree with the registry entry
		// for this action when one exists.
		if !s.registry.IsKnownContract(event.ChainID, callerContract) {
			res, err := s.failEvent(ctx, event, ReasonVerificationFailed,
				"Expected contract is not a recognized protocol contract", nil)
			return chain.Result{}, &res, err
		}
		if expected != "" && !strings.EqualFold(expected, callerContract) {
			res, err := s.failEvent(ctx, event, ReasonVerificationFailed,
				"Expected contract does not match the configured contract for this action", nil)
			return chain.Result{}, &res, err
		}
		expected = callerContract
	}

	result, err := s.verifier.Verify(ctx, event.TxHash, event.ChainID, expected)
	if err != nil {
		return chain.Result{}, nil, fmt.Errorf("verify transaction: %w", err)
	}
	if !result.Verified {
		reason := ReasonVerificationFailed
		if result.Retryable {
			reason = ReasonVerifierUnavailable
		}
		failed, err := s.failEvent(ctx, event, reason, result.Reason, nil)
		failed.Retryable = result.Retryable
		return chain.Result{}, &failed, err
	}
	return result, nil, nil
}

// AwardXP serializes on the user, appends a ledger entry and updates the
// cached balance in one transaction. It is the single entry point for every
// XP mutation: event awards, quest rewards, referral payouts and admin
// adjustments all come through here or through AwardXPTx.
func (s *XPService) AwardXP(ctx context.Context, userID string, delta int64, reason models.LedgerReason, description string, eventID *string, metadata map[string]string) (*models.XPLedgerEntry, error) {
	unlock := s.LockUsers(userID)
	defer unlock()

	var entry *models.XPLedgerEntry
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = appendLedger(tx, userID, delta, reason, description, eventID, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// AwardXPTx appends a ledger entry inside the caller's transaction, so a
// payout and the state flip that triggers it commit or roll back as one
// unit. Callers hold the affected users' award locks via LockUsers for the
// whole transaction.
func (s *XPService) AwardXPTx(tx *gorm.DB, userID string, delta int64, reason models.LedgerReason, description string, eventID *string, metadata map[string]string) (*models.XPLedgerEntry, error) {
	return appendLedger(tx, userID, delta, reason, description, eventID, metadata)
}

// LockUsers acquires the award locks for the given users in sorted order,
// so two multi-user payouts touching the same users can never deadlock.
// The returned func releases them.
func (s *XPService) LockUsers(userIDs ...string) func() {
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)

	locked := make([]*sync.Mutex, 0, len(ids))
	prev := ""
	for _, id := range ids {
		if id == prev {
			continue
		}
		prev = id
		mu, _ := s.userLocks.LoadOrStore(id, &sync.Mutex{})
		mu.Lock()
		locked = append(locked, mu)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// awardForEvent appends the ledger entry and flips the event to processed in
// the same transaction, so a crash can never leave a processed event without
// its ledger fact or vice versa.
func (s *XPService) awardForEvent(ctx context.Context, event *models.Event, amount int64, now time.Time) (*models.XPLedgerEntry, error) {
	unlock := s.LockUsers(event.UserID)
	defer unlock()

	var entry *models.XPLedgerEntry
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = appendLedger(tx, event.UserID, amount,
			models.ReasonForAction(event.ActionType),
			fmt.Sprintf("XP for %s", event.ActionType),
			&event.ID, nil)
		if err != nil {
			return err
		}
		return tx.Model(event).Updates(map[string]any{
			"status":       models.EventStatusProcessed,
			"xp_awarded":   amount,
			"processed_at": now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("award for event %s: %w", event.ID, err)
	}
	event.Status = models.EventStatusProcessed
	event.XPAwarded = amount
	event.ProcessedAt = &now
	return entry, nil
}

// appendLedger is the ledger invariant in code: balanceAfter = balance
// before + delta, never negative, and the cached TotalXP moves in the same
// transaction. The balance write is a compare-and-set against the value
// read; with the per-user lock held it only fails if another process raced
// us, and then the transaction aborts instead of losing an update.
func appendLedger(tx *gorm.DB, userID string, delta int64, reason models.LedgerReason, description string, eventID *string, metadata map[string]string) (*models.XPLedgerEntry, error) {
	var user models.User
	if err := tx.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	newBalance := user.TotalXP + delta
	if newBalance < 0 {
		return nil, fmt.Errorf("%w: balance %d, delta %d", ErrInsufficientBalance, user.TotalXP, delta)
	}

	entry := &models.XPLedgerEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		EventID:      eventID,
		DeltaXP:      delta,
		BalanceAfter: newBalance,
		Reason:       reason,
		Description:  description,
		Metadata:     metadata,
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}

	res := tx.Model(&models.User{}).
		Where("id = ? AND total_xp = ?", userID, user.TotalXP).
		Update("total_xp", newBalance)
	if res.Error != nil {
		return nil, fmt.Errorf("update balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrConcurrentUpdate
	}
	return entry, nil
}

// AdjustXP is the admin surface over the same ledger path: a signed delta
// with reason admin_adjustment or penalty. A penalty that would push the
// balance negative fails without mutating state.
func (s *XPService) AdjustXP(ctx context.Context, userID string, delta int64, reason models.LedgerReason, description string) (*models.XPLedgerEntry, error) {
	if reason != models.ReasonAdminAdjustment && reason != models.ReasonPenalty {
		return nil, ErrInvalidAdjustReason
	}
	entry, err := s.AwardXP(ctx, userID, delta, reason, description, nil, nil)
	if err != nil {
		return nil, err
	}
	s.log.Info("admin xp adjustment",
		zap.String("user_id", userID),
		zap.Int64("delta", delta),
		zap.String("reason", string(reason)))
	return entry, nil
}

// LedgerSummary is the read-only rollup for the ledger query endpoint.
type LedgerSummary struct {
	TotalXP  int64                         `json:"total_xp"`
	ByReason map[models.LedgerReason]int64 `json:"by_reason"`
}

func (s *XPService) GetLedgerSummary(ctx context.Context, userID string) (*LedgerSummary, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	var rows []struct {
		Reason models.LedgerReason
		Total  int64
	}
	err := s.DB.WithContext(ctx).Model(&models.XPLedgerEntry{}).
		Select("reason, SUM(delta_xp) AS total").
		Where("user_id = ?", userID).
		Group("reason").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger summary: %w", err)
	}

	summary := &LedgerSummary{TotalXP: user.TotalXP, ByReason: make(map[models.LedgerReason]int64, len(rows))}
	for _, row := range rows {
		summary.ByReason[row.Reason] = row.Total
	}
	return summary, nil
}

// GetLedgerEntries returns a newest-first page of a user's ledger.
func (s *XPService) GetLedgerEntries(ctx context.Context, userID string, page, size int) ([]models.XPLedgerEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}

	var total int64
	if err := s.DB.WithContext(ctx).Model(&models.XPLedgerEntry{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.XPLedgerEntry
	err := s.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(size).Offset((page - 1) * size).
		Find(&entries).Error
	return entries, total, err
}

// failEvent records the terminal failure and shapes the rejection result.
func (s *XPService) failEvent(ctx context.Context, event *models.Event, reason ReasonCode, message string, nextAt *time.Time) (AwardResult, error) {
	if err := s.DB.WithContext(ctx).Model(event).Updates(map[string]any{
		"status":      models.EventStatusFailed,
		"fail_reason": string(reason) + ": " + message,
	}).Error; err != nil {
		return AwardResult{}, fmt.Errorf("mark event failed: %w", err)
	}
	event.Status = models.EventStatusFailed

	s.log.Info("event rejected",
		zap.String("event_id", event.ID),
		zap.String("action_type", event.ActionType),
		zap.String("reason", string(reason)))

	return AwardResult{
		Reason:          reason,
		Message:         message,
		NextAvailableAt: nextAt,
		EventID:         event.ID,
	}, nil
}

func (s *XPService) markProcessed(ctx context.Context, event *models.Event, xp int64, now time.Time) error {
	err := s.DB.WithContext(ctx).Model(event).Updates(map[string]any{
		"status":       models.EventStatusProcessed,
		"xp_awarded":   xp,
		"processed_at": now,
	}).Error
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	event.Status = models.EventStatusProcessed
	event.ProcessedAt = &now
	return nil
}

func (s *XPService) nudgeReferral(ctx context.Context, userID string) {
	if s.referrals == nil {
		return
	}
	if err := s.referrals.EvaluateForUser(ctx, userID); err != nil {
		s.log.Error("referral evaluation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// deriveDedupKey prefers the caller's idempotency key, falls back to the
// transaction reference (so resubmitting the same tx is a safe no-op), and
// otherwise mints a fresh key.
func deriveDedupKey(in SubmitEventInput) string {
	if in.DedupKey != "" {
		return in.DedupKey
	}
	if in.TxHash != "" {
		return fmt.Sprintf("%s:%d:%s", in.ActionType, in.ChainID, strings.ToLower(in.TxHash))
	}
	return in.ActionType + ":" + uuid.NewString()
}

// isDuplicateErr matches uniqueness violations across the postgres and
// sqlite drivers; TranslateError covers both but the string checks keep us
// safe when a dialect misses the translation.
func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
