package provider

import (
	"context"
	"sync"
	"time"

	"mdcore/pkg/types"
)

// TokenBucket is a continuously-refilling token-bucket rate limiter. Callers
// block in Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given burst capacity and
// refill rate in tokens per second.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// NewTokenBucketFromWindow builds a TokenBucket from a requests-per-window
// policy, treating requestsPerWindow as the burst capacity and refilling
// smoothly over window instead of bursting once per window.
func NewTokenBucketFromWindow(requestsPerWindow int, window time.Duration) *TokenBucket {
	if window <= 0 {
		window = time.Second
	}
	rate := float64(requestsPerWindow) / window.Seconds()
	return NewTokenBucket(float64(requestsPerWindow), rate)
}

// RateLimited wraps check so every probe first waits for a token from
// bucket, gating availability polling behind the provider's own published
// RateLimitPolicy instead of hammering it every reconcile tick. A probe
// that can't get a token before ctx is cancelled reports unavailable rather
// than blocking the caller indefinitely.
func RateLimited(check AvailabilityChecker, bucket *TokenBucket) AvailabilityChecker {
	return func(ctx context.Context, d types.ProviderDescriptor) bool {
		if err := bucket.Wait(ctx); err != nil {
			return false
		}
		return check(ctx, d)
	}
}
