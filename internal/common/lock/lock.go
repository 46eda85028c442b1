// Package lock provides a keyed, tokened, TTL-bounded mutual exclusion
// primitive usable across nodes that share a backing store.
package lock

import (
	"context"
	"time"

	appErr "flowrunner/pkg/errors"
	"flowrunner/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPollInterval = 100 * time.Millisecond

// Store is the atomic backend a Locker delegates to.
type Store interface {
	// SetIfAbsent stores token under key with the given ttl unless an
	// unexpired record already holds the key.
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// DeleteIfEquals removes key only when its stored token equals token.
	DeleteIfEquals(ctx context.Context, key, token string) (bool, error)
	// ExpireIfEquals resets the ttl of key only when its stored token equals
	// token and the record has not expired.
	ExpireIfEquals(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Locker implements acquire/wait/release on top of a Store.
type Locker struct {
	store        Store
	pollInterval time.Duration
	newToken     func() string
}

// Option customizes a Locker.
type Option func(*Locker)

// WithPollInterval overrides the retry interval used by WaitUntilAcquire.
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithTokenGenerator overrides how lock tokens are minted.
func WithTokenGenerator(fn func() string) Option {
	return func(l *Locker) {
		if fn != nil {
			l.newToken = fn
		}
	}
}

// NewLocker creates a locker backed by store.
func NewLocker(store Store, opts ...Option) *Locker {
	l := &Locker{
		store:        store,
		pollInterval: defaultPollInterval,
		newToken:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire makes a single attempt to take the lock. It returns the token on
// success and ok=false when another holder owns an unexpired lock.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, appErr.ValidationError("key", "required")
	}
	if ttl <= 0 {
		return "", false, appErr.ValidationError("ttl", "must be positive")
	}
	token := l.newToken()
	ok, err := l.store.SetIfAbsent(ctx, key, token, ttl)
	if err != nil {
		return "", false, appErr.Wrapf(err, appErr.LockFailed, "acquire lock %s failed", key)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// WaitUntilAcquire polls Acquire until it succeeds or timeout elapses.
func (l *Locker) WaitUntilAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		token, ok, err := l.Acquire(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if !time.Now().Before(deadline) {
			return "", appErr.Newf(appErr.LockAcquireTimeout, "could not acquire lock %s within %s", key, timeout).
				WithDetail("key", key).
				WithDetail("timeout", timeout.String())
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Release drops the lock if token still owns it. A mismatched or expired
// token returns false and leaves any other holder untouched.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	if key == "" || token == "" {
		return false, nil
	}
	ok, err := l.store.DeleteIfEquals(ctx, key, token)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.LockFailed, "release lock %s failed", key)
	}
	return ok, nil
}

// Extend pushes the expiry of a held lock to ttl from now. It returns false
// when token no longer owns the key.
func (l *Locker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if key == "" || token == "" {
		return false, nil
	}
	if ttl <= 0 {
		return false, appErr.ValidationError("ttl", "must be positive")
	}
	ok, err := l.store.ExpireIfEquals(ctx, key, token, ttl)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.LockFailed, "extend lock %s failed", key)
	}
	return ok, nil
}

// KeepAlive extends the lock every ttl/3 until the returned stop func is
// called or ctx ends. It stops early once the lock is lost.
func (l *Locker) KeepAlive(ctx context.Context, key, token string, ttl time.Duration) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := l.Extend(ctx, key, token, ttl)
			if err != nil {
				logger.Warn(ctx, "extend lock failed", zap.String("key", key), zap.Error(err))
				continue
			}
			if !ok {
				logger.Warn(ctx, "lock lost before release", zap.String("key", key))
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
