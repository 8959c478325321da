package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/authcache"
	"github.com/spendgate/spendgate/internal/services/pricing"
	"github.com/spendgate/spendgate/internal/services/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestLedger(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	st := store.NewWithDB(db)
	require.NoError(t, st.AutoMigrate())

	cache := authcache.New(st, time.Hour, 100)
	return NewService(st, pricing.NewService(cache)), st
}

func seedBilling(t *testing.T, st *store.Store) *models.Principal {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertAccount(ctx, &models.Account{
		UserID:    "user-1",
		BudgetUSD: decimal.RequireFromString("10.00"),
		IsActive:  true,
	}))
	require.NoError(t, st.UpsertAPIKey(ctx, &models.APIKey{
		Key: "sk-1", UserID: "user-1", IsActive: true,
	}))
	require.NoError(t, st.UpsertModelCost(ctx, &models.ModelCost{
		ModelName:                     "gpt-4o",
		InputCostPerMillionTokensUSD:  decimal.RequireFromString("2.50"),
		OutputCostPerMillionTokensUSD: decimal.RequireFromString("10.00"),
	}))

	account, err := st.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	key, err := st.GetAPIKey(ctx, "sk-1")
	require.NoError(t, err)
	return &models.Principal{APIKey: key, Account: account}
}

func settlementFor(principal *models.Principal, requestID, model string) Settlement {
	return Settlement{
		RequestID: requestID,
		Principal: principal,
		ModelName: model,
		Endpoint:  "/v1/chat/completions",
		Usage:     models.Usage{InputTokens: 100_000, OutputTokens: 50_000},
	}
}

func TestSettleDebitsAndLogs(t *testing.T) {
	led, st := newTestLedger(t)
	principal := seedBilling(t, st)
	ctx := context.Background()

	require.NoError(t, led.Settle(ctx, settlementFor(principal, "req-1", "gpt-4o")))

	// 100k input at $2.50/M + 50k output at $10/M.
	account, err := st.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.Equal(decimal.RequireFromString("0.75")),
		"got %s", account.SpentUSD)

	logs, err := st.GetRecentUsage(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "req-1", logs[0].RequestID)
	assert.Equal(t, int64(150_000), logs[0].TotalTokens)
	assert.True(t, logs[0].CostUSD.Equal(decimal.RequireFromString("0.75")))
	assert.False(t, logs[0].PricingMissing)
}

func TestSettleIdempotentPerRequestID(t *testing.T) {
	led, st := newTestLedger(t)
	principal := seedBilling(t, st)
	ctx := context.Background()

	settlement := settlementFor(principal, "req-1", "gpt-4o")
	require.NoError(t, led.Settle(ctx, settlement))
	require.NoError(t, led.Settle(ctx, settlement))
	require.NoError(t, led.Settle(ctx, settlement))

	account, err := st.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.Equal(decimal.RequireFromString("0.75")),
		"retried settlement must debit once, got %s", account.SpentUSD)

	logs, err := st.GetRecentUsage(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestSettleUnpricedModelNoDebit(t *testing.T) {
	led, st := newTestLedger(t)
	principal := seedBilling(t, st)
	ctx := context.Background()

	require.NoError(t, led.Settle(ctx, settlementFor(principal, "req-1", "unpriced-model")))

	account, err := st.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.IsZero())

	logs, err := st.GetRecentUsage(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].PricingMissing)
	assert.True(t, logs[0].CostUSD.IsZero())
	assert.Equal(t, int64(150_000), logs[0].TotalTokens, "tokens are still audited")
}

func TestSettleUsageUnavailableNoDebit(t *testing.T) {
	led, st := newTestLedger(t)
	principal := seedBilling(t, st)
	ctx := context.Background()

	settlement := settlementFor(principal, "req-1", "gpt-4o")
	settlement.Usage = models.Usage{Unavailable: true}
	require.NoError(t, led.Settle(ctx, settlement))

	account, err := st.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.IsZero())

	logs, err := st.GetRecentUsage(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].PricingMissing)
	assert.NotEmpty(t, logs[0].ErrorMessage)
}

func TestLogFailedRequest(t *testing.T) {
	led, st := newTestLedger(t)
	principal := seedBilling(t, st)
	ctx := context.Background()

	settlement := settlementFor(principal, "req-1", "gpt-4o")
	settlement.Usage = models.Usage{}
	led.LogFailedRequest(ctx, settlement, "upstream returned status 503")

	account, err := st.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.IsZero())

	logs, err := st.GetRecentUsage(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "upstream returned status 503", logs[0].ErrorMessage)
	assert.Zero(t, logs[0].TotalTokens)
}

// Deactivation between dispatch and settlement must not stop the debit;
// the account pays for what it already used.
func TestSettleDebitsDeactivatedAccount(t *testing.T) {
	led, st := newTestLedger(t)
	principal := seedBilling(t, st)
	ctx := context.Background()

	require.NoError(t, st.UpsertAccount(ctx, &models.Account{
		UserID:    "user-1",
		BudgetUSD: decimal.RequireFromString("10.00"),
		IsActive:  false,
	}))

	require.NoError(t, led.Settle(ctx, settlementFor(principal, "req-1", "gpt-4o")))

	account, err := st.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.Equal(decimal.RequireFromString("0.75")))
}

func TestPrecheck(t *testing.T) {
	account := &models.Account{
		BudgetUSD: decimal.RequireFromString("10.00"),
		SpentUSD:  decimal.RequireFromString("10.00"),
	}
	err := Precheck(account)
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindBudgetExceeded, models.AsAppError(err).Kind)

	account.SpentUSD = decimal.RequireFromString("9.99")
	assert.NoError(t, Precheck(account))
}
