package api

import (
	"net/http/httptest"
	"testing"

	"github.com/spendgate/spendgate/internal/services/bus"
	"github.com/spendgate/spendgate/internal/services/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newHealthApp(t *testing.T) (*fiber.App, *miniredis.Miniredis) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	st := store.NewWithDB(db)

	mr := miniredis.RunT(t)
	rb := bus.NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rb.Close() })

	app := fiber.New()
	app.Get("/health", NewHealthHandler(st, rb).Check)
	return app, mr
}

func TestHealthOK(t *testing.T) {
	app, _ := newHealthApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestHealthDegradedWhenBusDown(t *testing.T) {
	app, mr := newHealthApp(t)
	mr.Close()

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)
}
