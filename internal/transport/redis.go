package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stato/pkg/api"
)

// RedisTransport publishes events over Redis Pub/Sub, JSON-encoded. Redis
// Pub/Sub is fire-and-forget: a subscriber that is down misses messages.
// Consumers that need the full stream recover it from the event log (the
// outbox only guarantees that every appended event was published at least
// once, not that every subscriber saw it).
type RedisTransport struct {
	client *redis.Client
	logger *slog.Logger
}

// Ensure RedisTransport implements the port.
var _ api.Transport = (*RedisTransport)(nil)

// NewRedisTransport creates a transport over an existing Redis client. The
// client is owned by the caller. logger may be nil.
func NewRedisTransport(client *redis.Client, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransport{client: client, logger: logger}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, ev api.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("transport: encode event: %w", err)
	}
	if err := t.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", topic, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string, h api.Handler) (api.Subscription, error) {
	pubsub := t.client.Subscribe(ctx, topic)

	// Force the subscription onto the wire before returning, so events
	// published after Subscribe are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("transport: subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{pubsub: pubsub}
	go func() {
		for msg := range pubsub.Channel() {
			var ev api.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.logger.Warn("redis_message_malformed", "topic", topic, "error", err)
				continue
			}
			if err := h(ctx, ev); err != nil {
				// Pub/Sub has no redelivery; the handler owns retries.
				t.logger.Warn("redis_handler_failed",
					"topic", topic,
					"event_type", ev.Type,
					"error", err,
				)
			}
		}
	}()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	err    error
}

func (s *redisSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
	})
	return s.err
}
