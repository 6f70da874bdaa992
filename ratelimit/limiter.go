// Package ratelimit throttles page fetches.
//
// A range enumerator configured with crossfeed.WithLimiter waits on its
// limiter before every fetch, so a drain over many ranges stays within the
// request budget of the backend.
//
// Two implementations are provided:
//   - TokenBucket: local, in-memory token bucket (golang.org/x/time/rate)
//   - RedisLimiter: a fixed-window budget shared by every process using
//     the same Redis key
//
// # Basic Usage
//
//	// 50 fetches per second with bursts of 10
//	limiter := ratelimit.NewTokenBucket(50, 10)
//
//	e := crossfeed.NewRangePageEnumerator(r, "", fetcher,
//	    crossfeed.WithLimiter(limiter))
//
// When a backend reports throttling, Throttle lowers the local rate for a
// while:
//
//	if d := crossfeed.RetryAfter(err); d > 0 {
//	    limiter.Throttle(d)
//	}
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the interface for rate limiters.
//
// All implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if a fetch can happen right now.
	// This is a non-blocking check.
	Allow(ctx context.Context) bool

	// Wait blocks until a fetch is allowed or context is cancelled.
	// Returns context.Canceled or context.DeadlineExceeded if cancelled.
	Wait(ctx context.Context) error
}

// TokenBucket implements a local token bucket rate limiter.
//
// The token bucket algorithm:
//   - Tokens are added at the specified rate (rps)
//   - A maximum of 'burst' tokens can accumulate
//   - Each fetch consumes one token
//
// Example:
//
//	limiter := ratelimit.NewTokenBucket(100, 10)
//	if err := limiter.Wait(ctx); err != nil {
//	    return err
//	}
type TokenBucket struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	base     rate.Limit
	restore  *time.Timer
	throttle float64
}

// NewTokenBucket creates a new token bucket rate limiter.
//
// Parameters:
//   - rps: Fetches per second (rate at which tokens are added)
//   - burst: Maximum burst size (maximum tokens that can accumulate)
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		base:     rate.Limit(rps),
		throttle: 0.5,
	}
}

// Allow returns true if a fetch can happen right now.
// Consumes one token if available.
func (t *TokenBucket) Allow(ctx context.Context) bool {
	return t.limiter.Allow()
}

// Wait blocks until a fetch is allowed or context is cancelled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// SetLimit updates the base rate limit.
func (t *TokenBucket) SetLimit(rps float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.base = rate.Limit(rps)
	if t.restore == nil {
		t.limiter.SetLimit(t.base)
	}
}

// SetBurst updates the burst size.
func (t *TokenBucket) SetBurst(burst int) {
	t.limiter.SetBurst(burst)
}

// Limit returns the current rate limit (fetches per second).
func (t *TokenBucket) Limit() float64 {
	return float64(t.limiter.Limit())
}

// Burst returns the current burst size.
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

// Throttle halves the rate for d, after which the base rate is restored.
// Repeated calls while throttled extend the period without lowering the
// rate further.
func (t *TokenBucket) Throttle(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.restore != nil {
		t.restore.Reset(d)
		return
	}
	t.limiter.SetLimit(t.base * rate.Limit(t.throttle))
	t.restore = time.AfterFunc(d, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.limiter.SetLimit(t.base)
		t.restore = nil
	})
}

// Throttled reports whether the rate is currently lowered.
func (t *TokenBucket) Throttled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restore != nil
}

// Compile-time check
var _ Limiter = (*TokenBucket)(nil)
