package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"brainvault/internal/apperrors"
)

// RedisLimiter is a sliding-window limiter backed by a Redis sorted set per
// key, so the window is shared across nodes.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisLimiter connects to the Redis named by url.
func NewRedisLimiter(url string, limit int, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidationError, "invalid redis url", err)
	}
	return &RedisLimiter{
		client: redis.NewClient(opts),
		limit:  limit,
		window: window,
		prefix: "ratelimit:",
	}, nil
}

// Check trims the key's sorted set to the trailing window, then admits the
// request when the remaining cardinality is under the limit.
func (rl *RedisLimiter) Check(ctx context.Context, key string) (*Result, error) {
	now := time.Now()
	redisKey := rl.prefix + key
	windowStart := now.Add(-rl.window)

	pipe := rl.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey,
		"0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamError, "redis rate limit check failed", err)
	}

	count := int(countCmd.Val())
	if count >= rl.limit {
		oldest, err := rl.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		retryAfter := rl.window
		if err == nil && len(oldest) > 0 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			retryAfter = oldestAt.Add(rl.window).Sub(now)
		}
		return &Result{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}

	pipe = rl.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, redisKey, rl.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamError, "redis rate limit record failed", err)
	}

	return &Result{Allowed: true, Remaining: rl.limit - count - 1}, nil
}

// Close releases the Redis connection.
func (rl *RedisLimiter) Close() error {
	return rl.client.Close()
}
