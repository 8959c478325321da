// Package resolver authenticates a bearer token into a Principal and
// gates it on active flags and the account budget. Reads go through the
// auth cache; a disabled account can leak at most one request inside the
// cache staleness bound.
package resolver

import (
	"context"
	"errors"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/authcache"
	"github.com/spendgate/spendgate/internal/services/ledger"
	"github.com/spendgate/spendgate/internal/services/store"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

type Service struct {
	cache *authcache.Cache
}

func NewService(cache *authcache.Cache) *Service {
	return &Service{cache: cache}
}

// Resolve turns a raw bearer token into an authenticated principal.
// Unknown and inactive keys both map to unauthenticated so callers
// cannot probe which keys exist.
func (s *Service) Resolve(ctx context.Context, token string) (*models.Principal, error) {
	if token == "" {
		return nil, models.NewUnauthenticatedError("missing api key")
	}

	key, err := s.cache.GetAPIKey(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewUnauthenticatedError("invalid api key")
		}
		return nil, models.NewInternalError("failed to look up api key", err)
	}
	if !key.IsActive {
		fiberlog.Warnf("resolver: inactive api key %s attempted", redactKey(key.Key))
		return nil, models.NewUnauthenticatedError("api key is deactivated")
	}

	account, err := s.cache.GetAccount(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fiberlog.Errorf("resolver: api key %s references missing account %s", redactKey(key.Key), key.UserID)
			return nil, models.NewAccountMissingError(key.UserID)
		}
		return nil, models.NewInternalError("failed to look up account", err)
	}
	if !account.IsActive {
		fiberlog.Warnf("resolver: inactive account %s attempted", account.UserID)
		return nil, models.NewAccountDisabledError(account.UserID)
	}

	if err := ledger.Precheck(account); err != nil {
		fiberlog.Warnf("resolver: budget exceeded for account %s (spent $%s of $%s)",
			account.UserID, account.SpentUSD.StringFixed(6), account.BudgetUSD.StringFixed(6))
		return nil, err
	}

	return &models.Principal{APIKey: key, Account: account}, nil
}

func redactKey(key string) string {
	if len(key) <= 10 {
		return "***"
	}
	return key[:10] + "..."
}
