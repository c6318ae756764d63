package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultRedisChannel = "saga:events"

// RedisBus is an EventBus over Redis pub/sub. Delivery is at-most-once per
// connected subscriber, which matches the choreography model's stance:
// stronger delivery guarantees belong to the transport deployment, and
// recovery is event replay plus handler idempotency.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisBus creates a pub/sub bus on the given channel. An empty channel
// uses "saga:events".
func NewRedisBus(client *redis.Client, channel string, logger zerolog.Logger) *RedisBus {
	if channel == "" {
		channel = defaultRedisChannel
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

// Publish serializes the envelope and publishes it on the bus channel.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Consume subscribes to the bus channel and delivers each received event to
// the dispatcher until ctx is done. Handler failures and unroutable events
// are logged and do not stop consumption.
func (b *RedisBus) Consume(ctx context.Context, d Dispatcher) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Error().Err(err).Msg("discarding malformed event")
				continue
			}
			if err := d.Dispatch(ctx, event); err != nil {
				b.logger.Error().
					Str("event", event.Type).
					Str("saga_id", event.SagaID).
					Err(err).
					Msg("event dispatch failed")
			}
		}
	}
}
