package services

import (
	"context"
	"fmt"
	"testing"

	"xp-quest-backend/chain"
	"xp-quest-backend/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a fresh in-memory database per test. A single connection
// keeps sqlite's locking out of the way; the services' own serialization is
// what the concurrency tests exercise.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Event{},
		&models.XPRule{},
		&models.XPLedgerEntry{},
		&models.Quest{},
		&models.QuestProgress{},
		&models.Referral{},
		&models.LeaderboardSnapshot{},
	))
	return db
}

func createTestUser(t *testing.T, db *gorm.DB, wallet string) *models.User {
	t.Helper()
	user := &models.User{
		ID:            uuid.NewString(),
		WalletAddress: wallet,
		ReferralCode:  uuid.NewString()[:8],
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

// fakeVerifier scripts the on-chain verification outcome.
type fakeVerifier struct {
	result chain.Result
	err    error
	calls  int
}

func (f *fakeVerifier) Verify(ctx context.Context, txHash string, chainID int64, expectedContract string) (chain.Result, error) {
	f.calls++
	return f.result, f.err
}

// failingAwarder scripts an award engine whose ledger append always fails,
// for exercising payout rollback paths.
type failingAwarder struct {
	err error
}

func (f *failingAwarder) AwardXP(ctx context.Context, userID string, delta int64, reason models.LedgerReason, description string, eventID *string, metadata map[string]string) (*models.XPLedgerEntry, error) {
	return nil, f.err
}

func (f *failingAwarder) AwardXPTx(tx *gorm.DB, userID string, delta int64, reason models.LedgerReason, description string, eventID *string, metadata map[string]string) (*models.XPLedgerEntry, error) {
	return nil, f.err
}

func (f *failingAwarder) LockUsers(userIDs ...string) func() { return func() {} }

type xpFixture struct {
	db       *gorm.DB
	rules    *RuleService
	quests   *QuestService
	xp       *XPService
	verifier *fakeVerifier
	registry *chain.ContractRegistry
}

func newXPFixture(t *testing.T) *xpFixture {
	t.Helper()

	db := newTestDB(t)
	log := zap.NewNop()

	rules := NewRuleService(db)
	quests := NewQuestService(db, log)
	verifier := &fakeVerifier{result: chain.Result{Verified: true}}
	registry := chain.NewContractRegistry()
	xp := NewXPService(db, rules, quests, verifier, registry, log)
	quests.WithAwarder(xp)

	return &xpFixture{
		db:       db,
		rules:    rules,
		quests:   quests,
		xp:       xp,
		verifier: verifier,
		registry: registry,
	}
}
