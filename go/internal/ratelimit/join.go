package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// JoinLimiter bounds how often a client may join parties.
type JoinLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NoopJoinLimiter allows everything. It is used when Redis is not configured.
type NoopJoinLimiter struct{}

func (NoopJoinLimiter) Allow(context.Context, string) (bool, error) {
	return true, nil
}

// RedisJoinLimiter is a fixed-window counter shared by every server
// instance: INCR the window key and set its expiry on the first hit.
type RedisJoinLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewRedisJoinLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisJoinLimiter {
	if prefix == "" {
		prefix = "watchparty:join"
	}
	return &RedisJoinLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
	}
}

// Allow counts one join for key. Redis failures fail open so an outage of
// the limiter never blocks viewers; the error is still returned for logging.
func (l *RedisJoinLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.Key(key)
	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return true, fmt.Errorf("failed to increment join counter: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("failed to set join counter expiry")
		}
	}
	return count <= l.limit, nil
}

// Key returns the Redis key of the current window for key.
func (l *RedisJoinLimiter) Key(key string) string {
	window := int64(l.window / time.Second)
	if window <= 0 {
		window = 1
	}
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, time.Now().Unix()/window)
}
