package cache

import (
	"context"
	"time"

	appErr "flowrunner/pkg/errors"

	"github.com/redis/go-redis/v9"
)

const defaultLimiterTimeout = 200 * time.Millisecond

// FixedWindowLimiter counts hits per key in Redis and rejects once a window's budget is spent.
type FixedWindowLimiter struct {
	client  redis.Cmdable
	window  time.Duration
	timeout time.Duration
}

// NewFixedWindowLimiter creates a limiter. window is used when Allow gets a zero window.
func NewFixedWindowLimiter(client redis.Cmdable, window, timeout time.Duration) *FixedWindowLimiter {
	if timeout <= 0 {
		timeout = defaultLimiterTimeout
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindowLimiter{client: client, window: window, timeout: timeout}
}

// Allow records one hit on key and returns TooManyRequests past max.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if l == nil || l.client == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = l.window
	}

	ctxCache, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	acquired, err := l.client.SetNX(ctxCache, key, 1, window).Result()
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	count := int64(1)
	if !acquired {
		count, err = l.client.Incr(ctxCache, key).Result()
		if err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
		}
		// A key without expiry would never reset.
		if ttl, ttlErr := l.client.TTL(ctxCache, key).Result(); ttlErr == nil && ttl < 0 {
			_ = l.client.Expire(ctxCache, key, window).Err()
		}
	}
	if count > int64(max) {
		return appErr.Newf(appErr.TooManyRequests, "rate limit exceeded for %s", key)
	}
	return nil
}
