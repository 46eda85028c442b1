package mq

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenLimiterBlocksAtCapacity(t *testing.T) {
	l := NewTokenLimiter(2)
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded at capacity, got %v", err)
	}

	l.Release()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestTokenLimiterReleaseNeverOverfills(t *testing.T) {
	l := NewTokenLimiter(1)
	l.Release()
	l.Release()
	if got := len(l.tokens); got != 1 {
		t.Fatalf("expected 1 token, got %d", got)
	}
}

func TestKafkaHeadersCarryMessageMetadata(t *testing.T) {
	msg := NewMessage("run-1", []byte(`{"ok":true}`))
	msg.RetryCount = 2
	msg.SetHeader("event", "run.finished")

	km := toKafkaMessage("runs", msg)
	if string(km.Key) != "run-1" {
		t.Fatalf("expected key run-1, got %q", km.Key)
	}

	got := fromKafkaMessage(km)
	if got.ID != "run-1" || got.RetryCount != 2 || got.MaxRetries != 3 {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if got.Headers["event"] != "run.finished" {
		t.Fatalf("expected custom header to survive, got %v", got.Headers)
	}
	if _, ok := got.Headers[headerID]; ok {
		t.Fatalf("reserved header leaked into user headers")
	}
}
