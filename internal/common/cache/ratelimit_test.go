package cache

import (
	"context"
	"testing"
	"time"

	appErr "flowrunner/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFixedWindowLimiter(client, time.Minute, time.Second), mr
}

func TestFixedWindowLimiterRejectsPastMax(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := limiter.Allow(ctx, "rate:ip:1", 3, 0); err != nil {
			t.Fatalf("hit %d: %v", i, err)
		}
	}
	err := limiter.Allow(ctx, "rate:ip:1", 3, 0)
	if appErr.GetCode(err) != appErr.TooManyRequests {
		t.Fatalf("expected TooManyRequests, got %v", err)
	}
	if err := limiter.Allow(ctx, "rate:ip:2", 3, 0); err != nil {
		t.Fatalf("other keys are independent: %v", err)
	}
}

func TestFixedWindowLimiterResetsAfterWindow(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()
	if err := limiter.Allow(ctx, "k", 1, 10*time.Second); err != nil {
		t.Fatalf("first hit: %v", err)
	}
	if err := limiter.Allow(ctx, "k", 1, 10*time.Second); err == nil {
		t.Fatalf("second hit should be limited")
	}
	mr.FastForward(11 * time.Second)
	if err := limiter.Allow(ctx, "k", 1, 10*time.Second); err != nil {
		t.Fatalf("window should have reset: %v", err)
	}
}

func TestFixedWindowLimiterZeroMaxAllows(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	if err := limiter.Allow(context.Background(), "k", 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mr.Exists("k") {
		t.Fatalf("disabled policy should not touch redis")
	}
}

func TestFixedWindowLimiterRedisDown(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	mr.Close()
	err := limiter.Allow(context.Background(), "k", 1, 0)
	if appErr.GetCode(err) != appErr.CacheError {
		t.Fatalf("expected CacheError, got %v", err)
	}
}
