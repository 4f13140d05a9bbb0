package provider

import (
	"context"
	"testing"
	"time"

	"mdcore/pkg/types"
)

func TestNewTokenBucketStartsFull(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1)
	if tb.tokens != 10 {
		t.Errorf("tokens = %v, want 10", tb.tokens)
	}
}

func TestTokenBucketWaitImmediate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Wait() took %v, expected immediate (token %d)", elapsed, i)
		}
	}
}

func TestTokenBucketWaitBlocks(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10) // refills at 10/sec → ~100ms per token

	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestTokenBucketContextCancelled(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1) // very slow refill
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestNewTokenBucketFromWindowDerivesRate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucketFromWindow(100, 10*time.Second)
	if tb.capacity != 100 {
		t.Errorf("capacity = %v, want 100", tb.capacity)
	}
	if tb.rate != 10 {
		t.Errorf("rate = %v, want 10 (100 requests / 10s)", tb.rate)
	}
}

func TestRateLimitedGatesUnderlyingCheck(t *testing.T) {
	t.Parallel()
	calls := 0
	underlying := AvailabilityChecker(func(context.Context, types.ProviderDescriptor) bool {
		calls++
		return true
	})

	bucket := NewTokenBucket(1, 1000) // effectively unlimited for this test
	check := RateLimited(underlying, bucket)

	if !check(context.Background(), types.ProviderDescriptor{}) {
		t.Error("expected true when underlying check passes and a token is available")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRateLimitedReturnsFalseWhenBucketExhausted(t *testing.T) {
	t.Parallel()
	underlying := AvailabilityChecker(func(context.Context, types.ProviderDescriptor) bool { return true })
	bucket := NewTokenBucket(1, 0.1) // one token, very slow refill
	check := RateLimited(underlying, bucket)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if !check(context.Background(), types.ProviderDescriptor{}) {
		t.Fatal("expected first call to consume the initial token and succeed")
	}
	if check(ctx, types.ProviderDescriptor{}) {
		t.Error("expected second call to fail waiting for a token before ctx deadline")
	}
}
