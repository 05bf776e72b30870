package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"threadsync/internal/logging"
	"threadsync/internal/models"
	"threadsync/internal/redis"
)

const historyKeyPrefix = "threadsync:history:"

// CachedStore keeps thread histories in redis. Writes invalidate the cached
// copy; cache failures only cost a round trip to the inner repository.
type CachedStore struct {
	Repository
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCachedStore(inner Repository, client *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Repository: inner,
		client:     client,
		ttl:        ttl,
		log:        logging.For("history-cache"),
	}
}

func historyKey(threadID uuid.UUID) string {
	return historyKeyPrefix + threadID.String()
}

func (c *CachedStore) ListMessages(ctx context.Context, threadID uuid.UUID) ([]models.Message, error) {
	if history, ok := c.loadHistory(ctx, threadID); ok {
		return history, nil
	}
	history, err := c.Repository.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	c.cacheHistory(ctx, threadID, history)
	return history, nil
}

func (c *CachedStore) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	saved, err := c.Repository.CreateMessage(ctx, msg)
	if err != nil {
		return saved, err
	}
	c.invalidate(ctx, msg.ThreadID)
	return saved, nil
}

func (c *CachedStore) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	msg, lookupErr := c.Repository.GetMessage(ctx, id)
	if err := c.Repository.DeleteMessage(ctx, id); err != nil {
		return err
	}
	if lookupErr == nil {
		c.invalidate(ctx, msg.ThreadID)
	}
	return nil
}

func (c *CachedStore) DeleteThread(ctx context.Context, id uuid.UUID) error {
	if err := c.Repository.DeleteThread(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

func (c *CachedStore) loadHistory(ctx context.Context, threadID uuid.UUID) ([]models.Message, bool) {
	raw, err := c.client.Get(ctx, historyKey(threadID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.log.Warn().Err(err).Str("thread_id", threadID.String()).Msg("load cached history")
		}
		return nil, false
	}
	var history []models.Message
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		c.log.Warn().Err(err).Str("thread_id", threadID.String()).Msg("decode cached history")
		return nil, false
	}
	return history, true
}

func (c *CachedStore) cacheHistory(ctx context.Context, threadID uuid.UUID, history []models.Message) {
	data, err := json.Marshal(history)
	if err != nil {
		c.log.Warn().Err(err).Msg("marshal history")
		return
	}
	if err := c.client.Set(ctx, historyKey(threadID), data, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("thread_id", threadID.String()).Msg("cache history")
	}
}

func (c *CachedStore) invalidate(ctx context.Context, threadID uuid.UUID) {
	if err := c.client.Del(ctx, historyKey(threadID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		c.log.Warn().Err(err).Str("thread_id", threadID.String()).Msg("invalidate cached history")
	}
}
