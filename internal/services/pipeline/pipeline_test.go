package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/authcache"
	"github.com/spendgate/spendgate/internal/services/ledger"
	"github.com/spendgate/spendgate/internal/services/pricing"
	"github.com/spendgate/spendgate/internal/services/providers"
	"github.com/spendgate/spendgate/internal/services/resolver"
	"github.com/spendgate/spendgate/internal/services/store"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeAdapter struct {
	mu       sync.Mutex
	result   *providers.Result
	err      error
	lastReq  providers.Request
	forwards int
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Forward(_ context.Context, req providers.Request) (*providers.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	f.forwards++
	return f.result, f.err
}

func (f *fakeAdapter) lastBody() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq.Body
}

type harness struct {
	app     *fiber.App
	store   *store.Store
	pipe    *Pipeline
	adapter *fakeAdapter
}

func newHarness(t *testing.T) *harness {
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

	ctx := context.Background()
	require.NoError(t, st.UpsertAccount(ctx, &models.Account{
		UserID:    "user-1",
		BudgetUSD: decimal.RequireFromString("10.00"),
		IsActive:  true,
	}))
	require.NoError(t, st.UpsertAPIKey(ctx, &models.APIKey{
		Key: "sk-1", UserID: "user-1", IsActive: true,
	}))
	require.NoError(t, st.UpsertAPIKey(ctx, &models.APIKey{
		Key: "sk-locked", UserID: "user-1", IsActive: true,
		AllowedModels: models.StringList{"gpt-4o-mini"},
	}))
	require.NoError(t, st.UpsertAPIKey(ctx, &models.APIKey{
		Key: "sk-dead", UserID: "user-1", IsActive: false,
	}))
	require.NoError(t, st.UpsertModelCost(ctx, &models.ModelCost{
		ModelName:                     "gpt-4o",
		InputCostPerMillionTokensUSD:  decimal.RequireFromString("2.50"),
		OutputCostPerMillionTokensUSD: decimal.RequireFromString("10.00"),
	}))

	cache := authcache.New(st, time.Hour, 100)
	adapter := &fakeAdapter{}
	pipe := New(
		resolver.NewService(cache),
		ledger.NewService(st, pricing.NewService(cache)),
		map[providers.Dialect]providers.Adapter{providers.DialectOpenAIChat: adapter},
		time.Minute, time.Minute,
	)

	app := fiber.New()
	app.Post("/v1/chat/completions", func(c *fiber.Ctx) error {
		return pipe.Handle(c, providers.DialectOpenAIChat, "/v1/chat/completions")
	})
	app.Post("/v1/messages", func(c *fiber.Ctx) error {
		return pipe.Handle(c, providers.DialectAnthropicMessages, "/v1/messages")
	})
	return &harness{app: app, store: st, pipe: pipe, adapter: adapter}
}

func (h *harness) post(t *testing.T, token, body string, header map[string]string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, payload
}

func (h *harness) spent(t *testing.T) decimal.Decimal {
	t.Helper()
	account, err := h.store.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	return account.SpentUSD
}

func (h *harness) logs(t *testing.T) []models.UsageLog {
	t.Helper()
	logs, err := h.store.GetRecentUsage(context.Background(), "user-1", 10)
	require.NoError(t, err)
	return logs
}

func unaryResult(status int, body string, usage models.Usage) *providers.Result {
	return &providers.Result{Unary: &providers.UnaryResult{
		StatusCode:  status,
		ContentType: "application/json",
		Body:        []byte(body),
		Usage:       usage,
	}}
}

func TestHandleUnaryHappyPath(t *testing.T) {
	h := newHarness(t)
	upstreamBody := `{"id":"chatcmpl-1","usage":{"prompt_tokens":100000,"completion_tokens":50000}}`
	h.adapter.result = unaryResult(200, upstreamBody,
		models.Usage{InputTokens: 100_000, OutputTokens: 50_000})

	status, body := h.post(t, "sk-1", `{"model":"gpt-4o"}`,
		map[string]string{"X-Request-ID": "req-test-1"})

	assert.Equal(t, 200, status)
	assert.Equal(t, upstreamBody, string(body), "response body must pass through untouched")
	assert.Equal(t, []byte(`{"model":"gpt-4o"}`), h.adapter.lastReq.Body, "request body must pass through untouched")

	assert.True(t, h.spent(t).Equal(decimal.RequireFromString("0.75")), "got %s", h.spent(t))
	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "req-test-1", logs[0].RequestID)
	assert.Equal(t, "/v1/chat/completions", logs[0].RequestEndpoint)
	assert.Equal(t, int64(150_000), logs[0].TotalTokens)
}

func TestHandleGeneratesRequestID(t *testing.T) {
	h := newHarness(t)
	h.adapter.result = unaryResult(200, `{}`, models.Usage{InputTokens: 1})

	status, _ := h.post(t, "sk-1", `{"model":"gpt-4o"}`, nil)
	require.Equal(t, 200, status)

	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.NotEmpty(t, logs[0].RequestID)
}

func TestHandleRejectionsLeaveNoTrace(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		body   string
		status int
		kind   string
	}{
		{"missing token", "", `{"model":"gpt-4o"}`, 401, "unauthenticated"},
		{"unknown key", "sk-ghost", `{"model":"gpt-4o"}`, 401, "unauthenticated"},
		{"inactive key", "sk-dead", `{"model":"gpt-4o"}`, 401, "unauthenticated"},
		{"missing model", "sk-1", `{"messages":[]}`, 400, "validation"},
		{"forbidden model", "sk-locked", `{"model":"gpt-4o"}`, 403, "model_forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.adapter.result = unaryResult(200, `{}`, models.Usage{})

			status, body := h.post(t, tt.token, tt.body, nil)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, gjson.GetBytes(body, "error.kind").String())

			assert.Empty(t, h.adapter.lastBody(), "rejected calls must never reach the upstream")
			assert.True(t, h.spent(t).IsZero())
			assert.Empty(t, h.logs(t))
		})
	}
}

func TestHandleBudgetExceeded(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.IncrementSpent(context.Background(), "user-1", decimal.RequireFromString("10.00"))
	require.NoError(t, err)

	status, body := h.post(t, "sk-1", `{"model":"gpt-4o"}`, nil)
	assert.Equal(t, 429, status)
	assert.Equal(t, "budget_exceeded", gjson.GetBytes(body, "error.kind").String())
	assert.Empty(t, h.adapter.lastBody())
}

// The gate reads a cached snapshot, so concurrent calls can pass it
// together; the overshoot stays bounded by one call cost per request in
// flight.
func TestHandleConcurrentOvershootBounded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertAccount(ctx, &models.Account{
		UserID:    "user-1",
		BudgetUSD: decimal.RequireFromString("1.00"),
		IsActive:  true,
	}))

	// Each call costs $0.75 against a $1.00 budget.
	h.adapter.result = unaryResult(200, `{}`, models.Usage{InputTokens: 100_000, OutputTokens: 50_000})

	const workers = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			status, _ := h.post(t, "sk-1", `{"model":"gpt-4o"}`,
				map[string]string{"X-Request-ID": fmt.Sprintf("req-race-%d", n)})
			assert.Equal(t, 200, status)
		}(i)
	}
	wg.Wait()

	perCall := decimal.RequireFromString("0.75")
	bound := decimal.RequireFromString("1.00").Add(perCall.Mul(decimal.NewFromInt(workers)))
	spent := h.spent(t)
	assert.True(t, spent.LessThanOrEqual(bound), "spent %s exceeds the overshoot bound %s", spent, bound)
	assert.True(t, spent.Equal(perCall.Mul(decimal.NewFromInt(workers))),
		"every settled call must be debited exactly, got %s", spent)
	assert.Len(t, h.logs(t), workers)
}

func TestHandleUpstreamErrorPassesThrough(t *testing.T) {
	h := newHarness(t)
	errorBody := `{"error":{"message":"overloaded","type":"server_error"}}`
	h.adapter.result = unaryResult(503, errorBody, models.Usage{})

	status, body := h.post(t, "sk-1", `{"model":"gpt-4o"}`, nil)
	assert.Equal(t, 503, status)
	assert.Equal(t, errorBody, string(body), "upstream errors are relayed verbatim")

	assert.True(t, h.spent(t).IsZero(), "failed calls must not debit")
	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].ErrorMessage, "503")
}

func TestHandleUpstreamUnreachable(t *testing.T) {
	h := newHarness(t)
	h.adapter.err = models.NewUpstreamUnavailableError("fake", assert.AnError)

	status, body := h.post(t, "sk-1", `{"model":"gpt-4o"}`, nil)
	assert.Equal(t, 502, status)
	assert.Equal(t, "upstream_unavailable", gjson.GetBytes(body, "error.kind").String())
	assert.True(t, h.spent(t).IsZero())
	assert.Empty(t, h.logs(t), "a call that never reached the upstream must leave no audit row")
}

func TestHandleStreamUpstreamUnreachable(t *testing.T) {
	h := newHarness(t)
	h.adapter.err = models.NewUpstreamUnavailableError("fake", assert.AnError)

	status, body := h.post(t, "sk-1", `{"model":"gpt-4o","stream":true}`, nil)
	assert.Equal(t, 502, status)
	assert.Equal(t, "upstream_unavailable", gjson.GetBytes(body, "error.kind").String())
	assert.True(t, h.spent(t).IsZero())
	assert.Empty(t, h.logs(t), "a stream that never opened must leave no audit row")
}

func TestHandleUnconfiguredProvider(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"claude-sonnet-4-20250514"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-1")
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 502, resp.StatusCode)
}

func TestHandleStreamSettlesAfterRelay(t *testing.T) {
	h := newHarness(t)

	chunks := make(chan []byte, 8)
	finalUsage := make(chan models.Usage, 1)
	for _, line := range []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n",
		"data: [DONE]\n\n",
	} {
		chunks <- []byte(line)
	}
	close(chunks)
	finalUsage <- models.Usage{InputTokens: 100_000, OutputTokens: 50_000}
	close(finalUsage)
	h.adapter.result = &providers.Result{Stream: &providers.StreamResult{
		Chunks: chunks, FinalUsage: finalUsage,
	}}

	settled := make(chan struct{})
	h.pipe.OnSettled = func(string) { close(settled) }

	status, body := h.post(t, "sk-1", `{"model":"gpt-4o","stream":true}`, nil)
	assert.Equal(t, 200, status)
	assert.Contains(t, string(body), `data: [DONE]`)
	assert.True(t, h.adapter.lastReq.Stream)

	select {
	case <-settled:
	case <-time.After(2 * time.Second):
		t.Fatal("stream settlement never ran")
	}
	assert.True(t, h.spent(t).Equal(decimal.RequireFromString("0.75")), "got %s", h.spent(t))
	logs := h.logs(t)
	require.Len(t, logs, 1)
	assert.NotEmpty(t, logs[0].ResponsePayload)
}

func TestHandleStreamCanceledSettlesNothing(t *testing.T) {
	h := newHarness(t)

	chunks := make(chan []byte, 1)
	finalUsage := make(chan models.Usage)
	chunks <- []byte("data: {\"choices\":[]}\n\n")
	close(chunks)
	close(finalUsage)
	h.adapter.result = &providers.Result{Stream: &providers.StreamResult{
		Chunks: chunks, FinalUsage: finalUsage,
	}}

	status, _ := h.post(t, "sk-1", `{"model":"gpt-4o","stream":true}`, nil)
	assert.Equal(t, 200, status)

	// Give any stray settlement a moment to land before asserting.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.spent(t).IsZero())
	assert.Empty(t, h.logs(t))
}
