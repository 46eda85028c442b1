// Package pool provides a fixed-capacity pool of reusable slots.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"flowrunner/internal/common/metrics"
	appErr "flowrunner/pkg/errors"
)

// Pool hands out exclusive leases on a fixed set of slots. Waiters are served
// in arrival order.
type Pool[T any] struct {
	name    string
	slots   []T
	free    chan int
	timeout time.Duration
	inUse   atomic.Int64
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithCheckoutTimeout makes Acquire give up with EngineBusy after d.
// Zero keeps Acquire blocking until a slot frees or ctx ends.
func WithCheckoutTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// New creates a pool over slots. The pool owns the slice from now on.
func New[T any](name string, slots []T, opts ...Option) (*Pool[T], error) {
	if len(slots) == 0 {
		return nil, appErr.ValidationError("slots", "pool needs at least one slot")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	free := make(chan int, len(slots))
	for i := range slots {
		free <- i
	}
	metrics.PoolSlotsInUse.WithLabelValues(name).Set(0)
	return &Pool[T]{
		name:    name,
		slots:   slots,
		free:    free,
		timeout: o.timeout,
	}, nil
}

// Size returns the pool capacity.
func (p *Pool[T]) Size() int { return len(p.slots) }

// InUse returns the number of outstanding leases.
func (p *Pool[T]) InUse() int { return int(p.inUse.Load()) }

// Slots returns every slot, for startup and shutdown hooks only.
func (p *Pool[T]) Slots() []T { return p.slots }

// Acquire blocks until a slot is free.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	start := time.Now()
	var timeout <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case idx := <-p.free:
		metrics.Since(metrics.PoolWaitDuration.WithLabelValues(p.name), start)
		metrics.PoolSlotsInUse.WithLabelValues(p.name).Set(float64(p.inUse.Add(1)))
		return &Lease[T]{pool: p, idx: idx}, nil
	case <-ctx.Done():
		metrics.PoolCheckoutRejected.WithLabelValues(p.name, "canceled").Inc()
		return nil, ctx.Err()
	case <-timeout:
		metrics.PoolCheckoutRejected.WithLabelValues(p.name, "timeout").Inc()
		return nil, appErr.Newf(appErr.EngineBusy, "no free %s slot within %s", p.name, p.timeout).
			WithDetail("pool", p.name).
			WithDetail("size", len(p.slots))
	}
}

// Do runs fn with an exclusive slot and always returns the slot, even if fn panics.
func (p *Pool[T]) Do(ctx context.Context, fn func(ctx context.Context, slot T) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx, lease.Value())
}

func (p *Pool[T]) release(idx int) {
	metrics.PoolSlotsInUse.WithLabelValues(p.name).Set(float64(p.inUse.Add(-1)))
	p.free <- idx
}

// Lease is exclusive ownership of one slot until Release.
type Lease[T any] struct {
	pool *Pool[T]
	idx  int
	once sync.Once
}

// Value returns the leased slot.
func (l *Lease[T]) Value() T { return l.pool.slots[l.idx] }

// Index returns the slot position within the pool.
func (l *Lease[T]) Index() int { return l.idx }

// Release returns the slot. Calling it more than once is a no-op.
func (l *Lease[T]) Release() {
	l.once.Do(func() { l.pool.release(l.idx) })
}
