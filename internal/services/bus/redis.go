package bus

import (
	"context"
	"encoding/json"
	"fmt"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// Channel is the pub/sub channel carrying invalidation events.
const Channel = "cache_invalidation"

// RedisBus implements Sink and Source over a redis pub/sub channel.
// go-redis re-subscribes with its own backoff after connection loss, so
// a broker restart degrades to bounded cache staleness instead of an
// instance crash.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedis connects to the bus at the given redis URL.
func NewRedis(busURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(busURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bus url: %w", err)
	}
	return &RedisBus{client: redis.NewClient(opts), channel: Channel}, nil
}

// NewRedisWithClient wraps an existing client. Used by tests.
func NewRedisWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, channel: Channel}
}

// Ping verifies bus connectivity for startup and health checks.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish sends one invalidation event to every subscribed instance.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation event: %w", err)
	}
	fiberlog.Debugf("bus: published invalidation %s:%s", event.Type, event.Key)
	return nil
}

// Subscribe starts the listener goroutine and returns its event channel.
// Undecodable messages are logged and dropped; the subscriber never
// attempts backfill after reconnection.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer func() {
			if err := pubsub.Close(); err != nil {
				fiberlog.Warnf("bus: failed to close subscription: %v", err)
			}
		}()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					fiberlog.Errorf("bus: failed to decode invalidation message: %v", err)
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}

// Close releases the underlying redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
