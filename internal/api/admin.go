package api

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/bus"
	"github.com/spendgate/spendgate/internal/services/store"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
)

// AdminHandler owns the control-plane mutations. Every write goes to
// the store first; the invalidation event is published only after the
// write committed, so caches can never re-read older state than they
// evicted for. A failed publish degrades to TTL staleness and is logged,
// never surfaced as a request failure.
type AdminHandler struct {
	store  *store.Store
	sink   bus.Sink
	apiKey string
}

func NewAdminHandler(st *store.Store, sink bus.Sink, apiKey string) *AdminHandler {
	return &AdminHandler{store: st, sink: sink, apiKey: apiKey}
}

// RequireAdmin guards the admin routes with the configured bearer key.
func (h *AdminHandler) RequireAdmin(c *fiber.Ctx) error {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.apiKey)) != 1 {
		appErr := models.NewUnauthenticatedError("invalid admin credentials")
		return c.Status(appErr.GetStatusCode()).JSON(appErr.Sanitize())
	}
	return c.Next()
}

type accountRequest struct {
	UserID         string          `json:"user_id"`
	AccountName    string          `json:"account_name"`
	BudgetUSD      decimal.Decimal `json:"budget_usd"`
	BudgetDuration string          `json:"budget_duration"`
	IsActive       *bool           `json:"is_active"`
}

// PutAccount creates or updates an account. Spend is untouched; only
// ResetSpend moves it downward.
func (h *AdminHandler) PutAccount(c *fiber.Ctx) error {
	var req accountRequest
	if err := c.BodyParser(&req); err != nil {
		return h.badRequest(c, "invalid account payload")
	}
	if req.UserID == "" {
		return h.badRequest(c, "user_id is required")
	}

	account := &models.Account{
		UserID:         req.UserID,
		AccountName:    req.AccountName,
		BudgetUSD:      req.BudgetUSD,
		BudgetDuration: req.BudgetDuration,
		IsActive:       req.IsActive == nil || *req.IsActive,
	}
	if account.BudgetDuration == "" {
		account.BudgetDuration = "total"
	}
	if err := h.store.UpsertAccount(c.Context(), account); err != nil {
		return h.internal(c, err)
	}
	h.invalidate(c, bus.Event{Type: bus.TypeAccount, Key: req.UserID})
	return c.JSON(account)
}

type apiKeyRequest struct {
	APIKey        string   `json:"api_key"`
	UserID        string   `json:"user_id"`
	KeyName       string   `json:"key_name"`
	IsActive      *bool    `json:"is_active"`
	AllowedModels []string `json:"allowed_models"`
}

// PutAPIKey creates or updates an API key.
func (h *AdminHandler) PutAPIKey(c *fiber.Ctx) error {
	var req apiKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return h.badRequest(c, "invalid api key payload")
	}
	if req.APIKey == "" || req.UserID == "" {
		return h.badRequest(c, "api_key and user_id are required")
	}

	key := &models.APIKey{
		Key:           req.APIKey,
		UserID:        req.UserID,
		KeyName:       req.KeyName,
		IsActive:      req.IsActive == nil || *req.IsActive,
		AllowedModels: models.StringList(req.AllowedModels),
	}
	if err := h.store.UpsertAPIKey(c.Context(), key); err != nil {
		return h.internal(c, err)
	}
	h.invalidate(c, bus.Event{Type: bus.TypeAPIKey, Key: req.APIKey})
	return c.JSON(key)
}

// PutModelCost creates or updates a pricing row.
func (h *AdminHandler) PutModelCost(c *fiber.Ctx) error {
	var cost models.ModelCost
	if err := c.BodyParser(&cost); err != nil {
		return h.badRequest(c, "invalid model cost payload")
	}
	if cost.ModelName == "" {
		return h.badRequest(c, "model_name is required")
	}

	if err := h.store.UpsertModelCost(c.Context(), &cost); err != nil {
		return h.internal(c, err)
	}
	h.invalidate(c, bus.Event{Type: bus.TypeModelCost, Key: cost.ModelName})
	return c.JSON(cost)
}

// ResetSpend zeroes an account's accumulated spend.
func (h *AdminHandler) ResetSpend(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	if err := h.store.ResetSpent(c.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return h.badRequest(c, "unknown account "+userID)
		}
		return h.internal(c, err)
	}
	h.invalidate(c, bus.Event{Type: bus.TypeAccount, Key: userID})
	return c.JSON(fiber.Map{"user_id": userID, "spent_usd": decimal.Zero})
}

// GetUsage returns the aggregated usage summary and recent rows for one
// account. Optional start/end query params bound the window (RFC 3339).
func (h *AdminHandler) GetUsage(c *fiber.Ctx) error {
	userID := c.Params("user_id")

	var start, end time.Time
	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return h.badRequest(c, "invalid start time")
		}
		start = t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return h.badRequest(c, "invalid end time")
		}
		end = t
	}

	summary, err := h.store.GetUsageSummary(c.Context(), userID, start, end)
	if err != nil {
		return h.internal(c, err)
	}
	recent, err := h.store.GetRecentUsage(c.Context(), userID, c.QueryInt("limit", 50))
	if err != nil {
		return h.internal(c, err)
	}
	return c.JSON(fiber.Map{"user_id": userID, "summary": summary, "recent": recent})
}

func (h *AdminHandler) invalidate(c *fiber.Ctx, event bus.Event) {
	if err := h.sink.Publish(c.Context(), event); err != nil {
		fiberlog.Warnf("admin: failed to publish invalidation %s:%s, caches fall back to TTL: %v",
			event.Type, event.Key, err)
	}
}

func (h *AdminHandler) badRequest(c *fiber.Ctx, message string) error {
	appErr := models.NewValidationError(message)
	return c.Status(appErr.GetStatusCode()).JSON(appErr.Sanitize())
}

func (h *AdminHandler) internal(c *fiber.Ctx, err error) error {
	appErr := models.AsAppError(err)
	fiberlog.Errorf("admin: %v", appErr)
	return c.Status(appErr.GetStatusCode()).JSON(appErr.Sanitize())
}
