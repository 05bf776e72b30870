package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"threadsync/internal/logging"
	"threadsync/internal/redis"
)

// RedisHub carries events over redis pub/sub so every process sharing the
// redis instance sees the same mutations.
type RedisHub struct {
	client *redis.Client
	size   int
	log    zerolog.Logger
}

func NewRedisHub(client *redis.Client, bufferSize int) *RedisHub {
	return &RedisHub{
		client: client,
		size:   bufferSize,
		log:    logging.For("realtime"),
	}
}

func (h *RedisHub) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps, err := h.client.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	sub := newSubscription(channel, h.size)
	sub.release = func() {
		if err := ps.Close(); err != nil {
			h.log.Debug().Err(err).Str("channel", channel).Msg("close pubsub")
		}
	}

	go func() {
		defer close(sub.events)
		msgs := ps.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					h.log.Warn().Str("channel", channel).Msg("pubsub channel closed")
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.log.Error().Err(err).Str("channel", channel).Msg("decode realtime event")
					continue
				}
				_ = sub.deliver(context.Background(), ev)
			}
		}
	}()
	return sub, nil
}

func (h *RedisHub) Publish(ctx context.Context, channel string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal realtime event: %w", err)
	}
	if err := h.client.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Close is a no-op; the redis client is owned by the caller.
func (h *RedisHub) Close() error { return nil }
