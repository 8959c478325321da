// Package pricing turns a usage report into a dollar cost using the
// model's pricing row. Arithmetic is decimal end to end; float dollars
// never appear on the billing path.
package pricing

import (
	"context"
	"errors"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/authcache"
	"github.com/spendgate/spendgate/internal/services/store"

	"github.com/shopspring/decimal"
)

// costScale keeps eight fractional digits, comfortably finer than the
// microdollar precision the ledger requires.
const costScale = 8

type Service struct {
	cache *authcache.Cache
}

func NewService(cache *authcache.Cache) *Service {
	return &Service{cache: cache}
}

// Cost prices the usage for a model. A model with no pricing row yields
// a pricing-missing error; the caller settles it post-facto with zero
// cost rather than failing the request.
func (s *Service) Cost(ctx context.Context, modelName string, usage models.Usage) (decimal.Decimal, error) {
	cost, err := s.cache.GetModelCost(ctx, modelName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, models.NewPricingMissingError(modelName)
		}
		return decimal.Zero, err
	}
	return cost.CostFor(usage).Round(costScale), nil
}
