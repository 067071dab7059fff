package services

import (
	"context"
	"testing"
	"time"

	"xp-quest-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetActiveRuleAbsenceIsNotAnError(t *testing.T) {
	f := newXPFixture(t)

	rule, err := f.rules.GetActiveRule(context.Background(), "deposit")
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestUpsertRuleKeepsOneActivePerAction(t *testing.T) {
	f := newXPFixture(t)

	first, err := f.rules.UpsertRule(context.Background(), models.XPRule{
		ActionType: "deposit",
		XPAmount:   100,
	})
	require.NoError(t, err)

	second, err := f.rules.UpsertRule(context.Background(), models.XPRule{
		ActionType: "deposit",
		XPAmount:   150,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	active, err := f.rules.GetActiveRule(context.Background(), "deposit")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.EqualValues(t, 150, active.XPAmount)

	var count int64
	require.NoError(t, f.db.Model(&models.XPRule{}).
		Where("action_type = ?", "deposit").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestValidateOrderAndMessages(t *testing.T) {
	f := newXPFixture(t)
	rule := &models.XPRule{
		ActionType:     "deposit",
		XPAmount:       100,
		MinAmount:      strPtr("10.5"),
		ValidChainIDs:  []int64{84532},
		ValidProtocols: []string{"aave"},
	}

	res := f.rules.Validate(rule, &models.Event{ChainID: 1, Protocol: "aave", Amount: "100"})
	assert.Equal(t, ReasonChainNotAllowed, res.Reason)

	res = f.rules.Validate(rule, &models.Event{ChainID: 84532, Protocol: "compound", Amount: "100"})
	assert.Equal(t, ReasonProtocolNotAllowed, res.Reason)

	res = f.rules.Validate(rule, &models.Event{ChainID: 84532, Protocol: "aave", Amount: "10.49"})
	assert.Equal(t, ReasonAmountBelowMinimum, res.Reason)
	assert.Equal(t, "Minimum amount is 10.5", res.Message)

	res = f.rules.Validate(rule, &models.Event{ChainID: 84532, Protocol: "aave", Amount: "not-a-number"})
	assert.Equal(t, ReasonInvalidAmount, res.Reason)

	res = f.rules.Validate(rule, &models.Event{ChainID: 84532, Protocol: "aave", Amount: "10.5"})
	assert.True(t, res.Valid)
}

func TestValidateEmptyListsAllowEverything(t *testing.T) {
	f := newXPFixture(t)
	rule := &models.XPRule{ActionType: "swap", XPAmount: 10}

	res := f.rules.Validate(rule, &models.Event{ChainID: 99999, Protocol: "anything"})
	assert.True(t, res.Valid)
}

func TestCheckCooldownIgnoresFailedAttempts(t *testing.T) {
	f := newXPFixture(t)
	user := createTestUser(t, f.db, "0xddd0000000000000000000000000000000000001")
	rule := &models.XPRule{ActionType: "claim_faucet", XPAmount: 25, CooldownMinutes: intPtr(60)}

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// A failed event inside the window does not start a cooldown.
	require.NoError(t, f.db.Create(&models.Event{
		ID: "ev-failed", UserID: user.ID, ActionType: "claim_faucet",
		DedupKey: "k1", Status: models.EventStatusFailed,
	}).Error)

	res, nextAt, err := f.rules.CheckCooldown(context.Background(), user.ID, rule, now)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Nil(t, nextAt)

	processedAt := now.Add(-30 * time.Minute)
	require.NoError(t, f.db.Create(&models.Event{
		ID: "ev-ok", UserID: user.ID, ActionType: "claim_faucet",
		DedupKey: "k2", Status: models.EventStatusProcessed, ProcessedAt: &processedAt,
	}).Error)

	res, nextAt, err = f.rules.CheckCooldown(context.Background(), user.ID, rule, now)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, nextAt)
	assert.True(t, nextAt.Equal(processedAt.Add(time.Hour)))
}

func TestDayStart(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	at := time.Date(2026, 3, 10, 22, 30, 0, 0, loc) // 2026-03-11 03:30 UTC
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), DayStart(at))
}
