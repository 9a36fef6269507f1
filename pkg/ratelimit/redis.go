package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore enforces a fixed one-minute window shared across instances.
// Redis failures fail open: a broken limiter must not take the service
// down with it.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, logger: logger}
}

// Allow increments the client's counter for the current minute window. The
// first hit in a window sets the expiry; counters above the budget deny.
func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy) (bool, error) {
	window := time.Now().UTC().Format("200601021504")
	redisKey := fmt.Sprintf("receiptgate:ratelimit:%s:%s", key, window)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("rate limiter unavailable, allowing request", "error", err)
		return true, nil
	}
	return incr.Val() <= int64(policy.RequestsPerMinute), nil
}
