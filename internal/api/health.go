package api

import (
	"context"
	"time"

	"github.com/spendgate/spendgate/internal/services/store"

	"github.com/gofiber/fiber/v2"
)

const healthCheckTimeout = 5 * time.Second

// Pinger is anything whose connectivity the health check reports on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness of the gateway and its dependencies.
type HealthHandler struct {
	store *store.Store
	bus   Pinger
}

func NewHealthHandler(st *store.Store, bus Pinger) *HealthHandler {
	return &HealthHandler{store: st, bus: bus}
}

// Check returns 200 when both the store and the bus respond, 503
// otherwise. The per-dependency status is always in the body.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), healthCheckTimeout)
	defer cancel()

	status := fiber.StatusOK
	deps := fiber.Map{"store": "ok", "bus": "ok"}

	if err := h.store.Ping(ctx); err != nil {
		deps["store"] = err.Error()
		status = fiber.StatusServiceUnavailable
	}
	if err := h.bus.Ping(ctx); err != nil {
		deps["bus"] = err.Error()
		status = fiber.StatusServiceUnavailable
	}

	state := "healthy"
	if status != fiber.StatusOK {
		state = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{"status": state, "dependencies": deps})
}
