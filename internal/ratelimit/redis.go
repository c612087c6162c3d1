package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter implements fixed-window counting on Redis: INCR the key, set
// the window TTL on the first hit, and read the remaining TTL for the reset
// hint. Counters expire on their own, so memory stays bounded without a
// reaper.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Check(ctx context.Context, key string, max int, window time.Duration) (Result, error) {
	rkey := "ratelimit:" + key

	count, err := l.client.Incr(ctx, rkey).Result()
	if err != nil {
		return Result{}, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, rkey, window).Err(); err != nil {
			return Result{}, err
		}
	}

	resetIn, err := l.client.TTL(ctx, rkey).Result()
	if err != nil {
		return Result{}, err
	}
	if resetIn < 0 {
		resetIn = window
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(max),
		Remaining: remaining,
		ResetIn:   resetIn,
	}, nil
}
