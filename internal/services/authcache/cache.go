// Package authcache is the per-instance read cache in front of the
// store: API keys, accounts and model costs, each in its own
// time-bounded LRU namespace. Entries are evicted by TTL, by capacity,
// or by invalidation events from the bus; any entry is therefore at
// most TTL + bus propagation delay stale.
package authcache

import (
	"context"
	"time"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/bus"
	"github.com/spendgate/spendgate/internal/services/store"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	nsAPIKey    = "apikey"
	nsAccount   = "account"
	nsModelCost = "modelcost"
)

// Cache holds the three namespaces plus a singleflight group so
// concurrent misses for one key coalesce into a single store read.
type Cache struct {
	apiKeys    *expirable.LRU[string, *models.APIKey]
	accounts   *expirable.LRU[string, *models.Account]
	modelCosts *expirable.LRU[string, *models.ModelCost]
	store      *store.Store
	group      singleflight.Group
}

// New builds a cache over the store with the given TTL and per-namespace
// capacity bound.
func New(st *store.Store, ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		apiKeys:    expirable.NewLRU[string, *models.APIKey](maxEntries, nil, ttl),
		accounts:   expirable.NewLRU[string, *models.Account](maxEntries, nil, ttl),
		modelCosts: expirable.NewLRU[string, *models.ModelCost](maxEntries, nil, ttl),
		store:      st,
		group:      singleflight.Group{},
	}
}

// GetAPIKey returns the cached key or loads it from the store. Misses
// for a missing row are not cached; store.ErrNotFound passes through.
func (c *Cache) GetAPIKey(ctx context.Context, apiKey string) (*models.APIKey, error) {
	if key, ok := c.apiKeys.Get(apiKey); ok {
		return key, nil
	}
	v, err, _ := c.group.Do(nsAPIKey+":"+apiKey, func() (any, error) {
		if key, ok := c.apiKeys.Get(apiKey); ok {
			return key, nil
		}
		key, err := c.store.GetAPIKey(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		c.apiKeys.Add(apiKey, key)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.APIKey), nil
}

// GetAccount returns the cached account or loads it from the store.
func (c *Cache) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	if account, ok := c.accounts.Get(userID); ok {
		return account, nil
	}
	v, err, _ := c.group.Do(nsAccount+":"+userID, func() (any, error) {
		if account, ok := c.accounts.Get(userID); ok {
			return account, nil
		}
		account, err := c.store.GetAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.accounts.Add(userID, account)
		return account, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Account), nil
}

// GetModelCost returns the cached pricing row or loads it from the store.
func (c *Cache) GetModelCost(ctx context.Context, modelName string) (*models.ModelCost, error) {
	if cost, ok := c.modelCosts.Get(modelName); ok {
		return cost, nil
	}
	v, err, _ := c.group.Do(nsModelCost+":"+modelName, func() (any, error) {
		if cost, ok := c.modelCosts.Get(modelName); ok {
			return cost, nil
		}
		cost, err := c.store.GetModelCost(ctx, modelName)
		if err != nil {
			return nil, err
		}
		c.modelCosts.Add(modelName, cost)
		return cost, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ModelCost), nil
}

// Invalidate evicts one key from the namespace named by the event type.
// Eviction is idempotent, so duplicate deliveries are harmless. Events
// with an unknown type are logged and ignored.
func (c *Cache) Invalidate(event bus.Event) {
	switch event.Type {
	case bus.TypeAPIKey:
		c.apiKeys.Remove(event.Key)
	case bus.TypeAccount:
		c.accounts.Remove(event.Key)
	case bus.TypeModelCost:
		c.modelCosts.Remove(event.Key)
	default:
		fiberlog.Warnf("authcache: ignoring invalidation with unknown type %q", event.Type)
		return
	}
	fiberlog.Debugf("authcache: invalidated %s:%s", event.Type, event.Key)
}

// InvalidateAll drops every entry in every namespace.
func (c *Cache) InvalidateAll() {
	c.apiKeys.Purge()
	c.accounts.Purge()
	c.modelCosts.Purge()
}

// Listen consumes invalidation events from the source until the context
// is canceled or the source closes its channel.
func (c *Cache) Listen(ctx context.Context, src bus.Source) error {
	events, err := src.Subscribe(ctx)
	if err != nil {
		return err
	}
	fiberlog.Info("authcache: invalidation listener started")
	for {
		select {
		case <-ctx.Done():
			fiberlog.Info("authcache: invalidation listener stopped")
			return nil
		case event, ok := <-events:
			if !ok {
				fiberlog.Warn("authcache: invalidation source closed")
				return nil
			}
			c.Invalidate(event)
		}
	}
}

// Len reports entries per namespace, for diagnostics.
func (c *Cache) Len() (apiKeys, accounts, modelCosts int) {
	return c.apiKeys.Len(), c.accounts.Len(), c.modelCosts.Len()
}
