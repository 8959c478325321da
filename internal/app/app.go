// Package app assembles the gateway: store, bus, caches, pipeline and
// the HTTP server, owned as per-process singletons.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spendgate/spendgate/internal/api"
	"github.com/spendgate/spendgate/internal/config"
	"github.com/spendgate/spendgate/internal/services/authcache"
	"github.com/spendgate/spendgate/internal/services/bus"
	"github.com/spendgate/spendgate/internal/services/ledger"
	"github.com/spendgate/spendgate/internal/services/pipeline"
	"github.com/spendgate/spendgate/internal/services/pricing"
	"github.com/spendgate/spendgate/internal/services/providers"
	"github.com/spendgate/spendgate/internal/services/resolver"
	"github.com/spendgate/spendgate/internal/services/store"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

const startupTimeout = 10 * time.Second

// App owns every long-lived component of the gateway process.
type App struct {
	cfg    *config.Config
	store  *store.Store
	bus    *bus.RedisBus
	cache  *authcache.Cache
	server *fiber.App
	cancel context.CancelFunc
}

// New builds the full component graph. The bus must be reachable at
// startup; without it every instance would serve from a silently stale
// cache.
func New(cfg *config.Config) (*App, error) {
	fiberlog.SetLevel(logLevel(cfg.Server.LogLevel))

	st, err := store.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	ctx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStartup()
	if err := st.SeedModelCosts(ctx, defaultModelCosts()); err != nil {
		return nil, fmt.Errorf("failed to seed model costs: %w", err)
	}

	rb, err := bus.NewRedis(cfg.BusURL)
	if err != nil {
		return nil, err
	}
	if err := rb.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach invalidation bus: %w", err)
	}

	cache := authcache.New(st, cfg.CacheTTL(), cfg.Cache.MaxEntries)
	res := resolver.NewService(cache)
	led := ledger.NewService(st, pricing.NewService(cache))
	pipe := pipeline.New(res, led, buildAdapters(cfg), cfg.UpstreamTimeout(), cfg.StreamTimeout())

	server := fiber.New(fiber.Config{
		AppName:               "spendgate",
		DisableStartupMessage: true,
		BodyLimit:             10 * 1024 * 1024,
	})
	server.Use(recover.New())
	api.RegisterRoutes(server,
		api.NewProxyHandler(pipe),
		api.NewAdminHandler(st, rb, cfg.AdminAPIKey),
		api.NewHealthHandler(st, rb),
	)

	return &App{cfg: cfg, store: st, bus: rb, cache: cache, server: server}, nil
}

// Run starts the invalidation listener and serves HTTP until Shutdown.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go func() {
		if err := a.cache.Listen(ctx, a.bus); err != nil {
			fiberlog.Errorf("app: invalidation listener failed: %v", err)
		}
	}()

	addr := ":" + a.cfg.Server.Port
	fiberlog.Infof("app: listening on %s", addr)
	return a.server.Listen(addr)
}

// Shutdown stops the listener, drains the server and closes the bus.
func (a *App) Shutdown() error {
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.server.ShutdownWithTimeout(30 * time.Second); err != nil {
		return err
	}
	return a.bus.Close()
}

// buildAdapters wires one adapter per configured provider. Streams can
// far outlive any sane client timeout, so the shared client carries no
// timeout of its own; deadlines come from the per-request contexts.
func buildAdapters(cfg *config.Config) map[providers.Dialect]providers.Adapter {
	client := &http.Client{}
	adapters := make(map[providers.Dialect]providers.Adapter)
	if cfg.OpenAI.APIKey != "" {
		openai := providers.NewOpenAI(cfg.OpenAI, client)
		adapters[providers.DialectOpenAIChat] = openai
		adapters[providers.DialectOpenAIResponses] = openai
	}
	if cfg.Anthropic.APIKey != "" {
		adapters[providers.DialectAnthropicMessages] = providers.NewAnthropic(cfg.Anthropic, client)
	}
	return adapters
}

func logLevel(level string) fiberlog.Level {
	switch level {
	case "trace":
		return fiberlog.LevelTrace
	case "debug":
		return fiberlog.LevelDebug
	case "warn":
		return fiberlog.LevelWarn
	case "error":
		return fiberlog.LevelError
	default:
		return fiberlog.LevelInfo
	}
}
