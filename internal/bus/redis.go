package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis is a Bus backed by Redis pub/sub. Pattern subscriptions map directly onto
// PSUBSCRIBE, so the trailing-* prefix patterns work across worker processes.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis creates a Redis-backed bus on an existing client.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With(slog.String("module", "bus")),
	}
}

// Publish marshals the envelope and publishes it on the topic channel. Subscriber
// count is not checked; an envelope published to a channel nobody listens on is gone.
func (r *Redis) Publish(ctx context.Context, topic string, envelope any) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	countEnvelope(envelope)
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a PSUBSCRIBE for the pattern and pumps payloads until the
// subscription is closed or the context ends.
func (r *Redis) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	pubsub := r.client.PSubscribe(ctx, pattern)
	// Force the subscription onto the wire before the caller relies on it.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan []byte, memorySubscriptionBuffer),
	}

	go func() {
		defer close(sub.ch)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case sub.ch <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

func (s *redisSubscription) Envelopes() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
