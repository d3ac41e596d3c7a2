package hub

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// IdemCache is a fast-path duplicate check in front of the database
// unique constraint. It is best effort: a cache miss or failure never
// blocks ingest, the unique key remains the source of truth.
type IdemCache interface {
	// TryMark claims the key for ttl. False means the key was already
	// marked by an earlier request.
	TryMark(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// NoopCache claims every key; used when redis is not configured.
type NoopCache struct{}

func (NoopCache) TryMark(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

// RedisCache marks keys with SET NX.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisCache wraps an initialised redis client.
func NewRedisCache(client *redis.Client, prefix string, logger zerolog.Logger) *RedisCache {
	if prefix == "" {
		prefix = "sentinel:idem:"
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "idem_cache").Logger(),
	}
}

func (c *RedisCache) TryMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, 1, ttl).Result()
	if err != nil {
		// 缓存故障不阻断主流程
		c.logger.Warn().Err(err).Str("key", key).Msg("idempotency cache unavailable; falling through to database")
		return true, err
	}
	return ok, nil
}
