package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"xp-quest-backend/chain"
	"xp-quest-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }

func depositRule(t *testing.T, f *xpFixture) {
	t.Helper()
	_, err := f.rules.UpsertRule(context.Background(), models.XPRule{
		ActionType:    "deposit",
		XPAmount:      100,
		MinAmount:     strPtr("10"),
		ValidChainIDs: []int64{84532},
	})
	require.NoError(t, err)
}

func TestSubmitEventAwardsXP(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa0000000000000000000000000000000000001")
	depositRule(t, f)

	res, err := f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType: "deposit",
		ChainID:    84532,
		Amount:     "15",
		DedupKey:   "dep-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.EqualValues(t, 100, res.XPAwarded)

	var got models.User
	require.NoError(t, f.db.First(&got, "id = ?", user.ID).Error)
	assert.EqualValues(t, 100, got.TotalXP)

	var event models.Event
	require.NoError(t, f.db.First(&event, "id = ?", res.EventID).Error)
	assert.Equal(t, models.EventStatusProcessed, event.Status)
	assert.EqualValues(t, 100, event.XPAwarded)
	require.NotNil(t, event.ProcessedAt)

	var entry models.XPLedgerEntry
	require.NoError(t, f.db.First(&entry, "user_id = ?", user.ID).Error)
	assert.EqualValues(t, 100, entry.DeltaXP)
	assert.EqualValues(t, 100, entry.BalanceAfter)
	assert.Equal(t, models.ReasonDeposit, entry.Reason)
}

func TestSubmitEventBelowMinimum(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa0000000000000000000000000000000000002")
	depositRule(t, f)

	res, err := f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType: "deposit",
		ChainID:    84532,
		Amount:     "5",
		DedupKey:   "dep-low",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonAmountBelowMinimum, res.Reason)
	assert.Equal(t, "Minimum amount is 10", res.Message)

	var event models.Event
	require.NoError(t, f.db.First(&event, "id = ?", res.EventID).Error)
	assert.Equal(t, models.EventStatusFailed, event.Status)

	var got models.User
	require.NoError(t, f.db.First(&got, "id = ?", user.ID).Error)
	assert.Zero(t, got.TotalXP)
}

func TestSubmitEventChainNotAllowed(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa0000000000000000000000000000000000003")
	depositRule(t, f)

	res, err := f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType: "deposit",
		ChainID:    1,
		Amount:     "50",
		DedupKey:   "dep-wrong-chain",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonChainNotAllowed, res.Reason)
}

func TestSubmitEventNoRule(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa0000000000000000000000000000000000004")

	res, err := f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType: "select_strategy",
		DedupKey:   "strat-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ReasonNoRule, res.Reason)
	assert.Zero(t, res.XPAwarded)

	// The attempt is still recorded for audit.
	var event models.Event
	require.NoError(t, f.db.First(&event, "id = ?", res.EventID).Error)
	assert.Equal(t, models.EventStatusProcessed, event.Status)
	assert.Zero(t, event.XPAwarded)
}

func TestSubmitEventDuplicate(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa0000000000000000000000000000000000005")
	depositRule(t, f)

	in := SubmitEventInput{ActionType: "deposit", ChainID: 84532, Amount: "20", DedupKey: "same-key"}

	first, err := f.xp.SubmitEvent(context.Background(), user.ID, in)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := f.xp.SubmitEvent(context.Background(), user.ID, in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, ReasonDuplicate, second.Reason)

	var got models.User
	require.NoError(t, f.db.First(&got, "id = ?", user.ID).Error)
	assert.EqualValues(t, 100, got.TotalXP)

	var entries int64
	require.NoError(t, f.db.Model(&models.XPLedgerEntry{}).
		Where("user_id = ?", user.ID).Count(&entries).Error)
	assert.EqualValues(t, 1, entries)
}

func TestSubmitEventDuplicateTxHashDerivedKey(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa0000000000000000000000000000000000006")
	depositRule(t, f)

	in := SubmitEventInput{
		ActionType: "deposit",
		ChainID:    84532,
		Amount:     "20",
		TxHash:     "0xDEAD000000000000000000000000000000000000000000000000000000000001",
	}
	f.registry.Register("deposit", "", 84532, "0xcontract00000000000000000000000000000001")

	first, err := f.xp.SubmitEvent(context.Background(), user.ID, in)
	require.NoError(t, err)
	require.True(t, first.Success)

	// Resubmitting the same transaction (different hash casing) hits the
	// derived dedup key.
	in.TxHash = "0xdead000000000000000000000000000000000000000000000000000000000001"
	second, err := f.xp.SubmitEvent(context.Background(), user.ID, in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
}

func TestSubmitEventConcurrentDuplicates(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa0000000000000000000000000000000000007")
	depositRule(t, f)

	const attempts = 10
	results := make([]AwardResult, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
				ActionType: "deposit",
				ChainID:    84532,
				Amount:     "20",
				DedupKey:   "race-key",
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	successes, duplicates := 0, 0
	for _, res := range results {
		if res.Success {
			successes++
		}
		if res.Duplicate {
			duplicates++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, duplicates)

	var got models.User
	require.NoError(t, f.db.First(&got, "id = ?", user.ID).Error)
	assert.EqualValues(t, 100, got.TotalXP)
}

func TestConcurrentAwardsKeepLedgerConsistent(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa0000000000000000000000000000000000008")

	const workers = 50
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.xp.AwardXP(context.Background(), user.ID, 10,
				models.ReasonOther, fmt.Sprintf("award %d", i), nil, nil)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var got models.User
	require.NoError(t, f.db.First(&got, "id = ?", user.ID).Error)
	assert.EqualValues(t, workers*10, got.TotalXP)

	var entries []models.XPLedgerEntry
	require.NoError(t, f.db.Where("user_id = ?", user.ID).Find(&entries).Error)
	require.Len(t, entries, workers)

	// The balance trail must be the exact sequence 10, 20, ..., 500 with no
	// gaps or repeats.
	var sum int64
	balances := make([]int64, 0, len(entries))
	for _, e := range entries {
		sum += e.DeltaXP
		balances = append(balances, e.BalanceAfter)
	}
	assert.EqualValues(t, got.TotalXP, sum)
	sort.Slice(balances, func(i, j int) bool { return balances[i] < balances[j] })
	for i, b := range balances {
		assert.EqualValues(t, (i+1)*10, b)
	}
}

func TestNegativeBalanceRejected(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa0000000000000000000000000000000000009")

	_, err := f.xp.AwardXP(context.Background(), user.ID, 50, models.ReasonOther, "seed", nil, nil)
	require.NoError(t, err)

	_, err = f.xp.AdjustXP(context.Background(), user.ID, -80, models.ReasonPenalty, "fraud penalty")
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// Nothing was mutated by the failed penalty.
	var got models.User
	require.NoError(t, f.db.First(&got, "id = ?", user.ID).Error)
	assert.EqualValues(t, 50, got.TotalXP)
	var entries int64
	require.NoError(t, f.db.Model(&models.XPLedgerEntry{}).
		Where("user_id = ?", user.ID).Count(&entries).Error)
	assert.EqualValues(t, 1, entries)

	_, err = f.xp.AdjustXP(context.Background(), user.ID, -30, models.ReasonPenalty, "partial penalty")
	require.NoError(t, err)
	require.NoError(t, f.db.First(&got, "id = ?", user.ID).Error)
	assert.EqualValues(t, 20, got.TotalXP)
}

func TestAdjustXPReasonGuard(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa000000000000000000000000000000000000a")

	_, err := f.xp.AdjustXP(context.Background(), user.ID, 100, models.ReasonDeposit, "nope")
	assert.ErrorIs(t, err, ErrInvalidAdjustReason)
}

func TestVerificationWrongDestinationFails(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa000000000000000000000000000000000000b")
	depositRule(t, f)
	f.registry.Register("deposit", "", 84532, "0xcontract00000000000000000000000000000001")
	f.verifier.result = chain.Result{Reason: "transaction targeted a different contract than expected"}

	res, err := f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType: "deposit",
		ChainID:    84532,
		Amount:     "20",
		TxHash:     "0xbeef000000000000000000000000000000000000000000000000000000000001",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonVerificationFailed, res.Reason)
	assert.False(t, res.Retryable)

	var event models.Event
	require.NoError(t, f.db.First(&event, "id = ?", res.EventID).Error)
	assert.Equal(t, models.EventStatusFailed, event.Status)
}

func TestVerifierUnavailableIsRetryable(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa000000000000000000000000000000000000c")
	depositRule(t, f)
	f.registry.Register("deposit", "", 84532, "0xcontract00000000000000000000000000000001")
	f.verifier.result = chain.Result{Reason: "chain rpc unavailable", Retryable: true}

	res, err := f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType: "deposit",
		ChainID:    84532,
		Amount:     "20",
		TxHash:     "0xbeef000000000000000000000000000000000000000000000000000000000002",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonVerifierUnavailable, res.Reason)
	assert.True(t, res.Retryable)
}

func TestCallerContractMustBeKnown(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa000000000000000000000000000000000000d")
	depositRule(t, f)
	f.registry.Register("deposit", "", 84532, "0xcontract00000000000000000000000000000001")

	res, err := f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType:       "deposit",
		ChainID:          84532,
		Amount:           "20",
		TxHash:           "0xbeef000000000000000000000000000000000000000000000000000000000003",
		ExpectedContract: "0xattacker0000000000000000000000000000dead",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonVerificationFailed, res.Reason)
	assert.Zero(t, f.verifier.calls)
}

func TestCooldownWindow(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa000000000000000000000000000000000000e")

	_, err := f.rules.UpsertRule(context.Background(), models.XPRule{
		ActionType:      "claim_faucet",
		XPAmount:        25,
		CooldownMinutes: intPtr(60),
	})
	require.NoError(t, err)

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f.xp.Now = func() time.Time { return start }

	res, err := f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType: "claim_faucet", DedupKey: "faucet-1",
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	// 30 minutes in: still cooling down, with the exact next-eligible time.
	f.xp.Now = func() time.Time { return start.Add(30 * time.Minute) }
	res, err = f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType: "claim_faucet", DedupKey: "faucet-2",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonCooldownActive, res.Reason)
	require.NotNil(t, res.NextAvailableAt)
	assert.True(t, res.NextAvailableAt.Equal(start.Add(time.Hour)))

	f.xp.Now = func() time.Time { return start.Add(61 * time.Minute) }
	res, err = f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType: "claim_faucet", DedupKey: "faucet-3",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestDailyLimitResetsAtUTCMidnight(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa000000000000000000000000000000000000f")

	_, err := f.rules.UpsertRule(context.Background(), models.XPRule{
		ActionType: "swap",
		XPAmount:   10,
		DailyLimit: intPtr(2),
	})
	require.NoError(t, err)

	day := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	f.xp.Now = func() time.Time { return day }

	for i := 0; i < 2; i++ {
		res, err := f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
			ActionType: "swap", DedupKey: fmt.Sprintf("swap-%d", i),
		})
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	res, err := f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType: "swap", DedupKey: "swap-over",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonDailyLimitReached, res.Reason)

	// An hour later is the next UTC day; the counter starts over.
	f.xp.Now = func() time.Time { return day.Add(2 * time.Hour) }
	res, err = f.xp.SubmitEvent(context.Background(), user.ID, SubmitEventInput{
		ActionType: "swap", DedupKey: "swap-next-day",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestLedgerSummaryAndEntries(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xaaa0000000000000000000000000000000000010")

	_, err := f.xp.AwardXP(context.Background(), user.ID, 100, models.ReasonDeposit, "deposit xp", nil, nil)
	require.NoError(t, err)
	_, err = f.xp.AwardXP(context.Background(), user.ID, 50, models.ReasonCompleteQuest, "quest xp", nil, nil)
	require.NoError(t, err)
	_, err = f.xp.AdjustXP(context.Background(), user.ID, -30, models.ReasonPenalty, "penalty")
	require.NoError(t, err)

	summary, err := f.xp.GetLedgerSummary(context.Background(), user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 120, summary.TotalXP)
	assert.EqualValues(t, 100, summary.ByReason[models.ReasonDeposit])
	assert.EqualValues(t, 50, summary.ByReason[models.ReasonCompleteQuest])
	assert.EqualValues(t, -30, summary.ByReason[models.ReasonPenalty])

	entries, total, err := f.xp.GetLedgerEntries(context.Background(), user.ID, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, entries, 2)

	_, err = f.xp.GetLedgerSummary(context.Background(), "missing-user")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
