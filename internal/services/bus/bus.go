// Package bus carries cluster-wide cache-invalidation events between
// admin writers and per-instance auth caches. Delivery is at-least-once
// and unordered; consumers must treat eviction as idempotent.
package bus

import "context"

// Event type tags map one-to-one onto auth cache namespaces.
const (
	TypeAccount   = "account"
	TypeAPIKey    = "apikey"
	TypeModelCost = "modelcost"
)

// Event is one invalidation message: evict Key from the namespace Type.
type Event struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// Sink publishes invalidation events. Admin writers publish only after
// their store write committed.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Source delivers invalidation events to a subscriber. The channel is
// closed when the context is canceled or the source shuts down; the
// bounded cache TTL covers any events lost in between.
type Source interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}
