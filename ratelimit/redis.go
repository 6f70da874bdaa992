package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript increments the window counter, arming its expiry on first use.
var allowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	if current > tonumber(ARGV[1]) then
		return 0
	end
	return 1
`)

// RedisLimiter implements a fetch budget shared across processes.
//
// RedisLimiter uses a fixed-window algorithm: every process drawing from the
// same key increments one counter, which resets at window boundaries. It
// may allow up to twice the limit around a boundary.
//
// On Redis errors the limiter fails open so a Redis outage does not stall
// the drain.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	limiter := ratelimit.NewRedisLimiter(rdb, "orders-backend", 500, time.Second)
type RedisLimiter struct {
	client redis.Cmdable
	key    string
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a new Redis-based rate limiter.
//
// Parameters:
//   - client: A connected Redis client
//   - key: Identifier of the shared budget (e.g., the backend name)
//   - limit: Maximum fetches allowed per window
//   - window: Duration of each window
func NewRedisLimiter(client redis.Cmdable, key string, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{
		client: client,
		key:    "ratelimit:" + key,
		limit:  limit,
		window: window,
	}
}

// Allow returns true if a fetch can happen right now.
func (r *RedisLimiter) Allow(ctx context.Context) bool {
	result, err := allowScript.Run(ctx, r.client, []string{r.key}, r.limit, r.window.Milliseconds()).Int()
	if err != nil {
		return true
	}
	return result == 1
}

// Wait blocks until a fetch is allowed or context is cancelled.
// Polls Allow at the average spacing of the budget.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	interval := r.window / time.Duration(r.limit)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Allow(ctx) {
			return nil
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Remaining returns the number of fetches left in the current window.
func (r *RedisLimiter) Remaining(ctx context.Context) (int, error) {
	val, err := r.client.Get(ctx, r.key).Int()
	if errors.Is(err, redis.Nil) {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return max(r.limit-val, 0), nil
}

// Reset clears the current window.
func (r *RedisLimiter) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

// Compile-time check
var _ Limiter = (*RedisLimiter)(nil)
