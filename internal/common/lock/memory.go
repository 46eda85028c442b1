package lock

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is a process-local Store. It gives single-node deployments and
// tests the same contract as the redis store, including expiry reclaim.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord), now: time.Now}
}

// NewMemoryStoreWithClock creates a store that reads time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	s := NewMemoryStore()
	if now != nil {
		s.now = now
	}
	return s
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if rec, ok := s.records[key]; ok && now.Before(rec.expiresAt) {
		return false, nil
	}
	s.records[key] = memoryRecord{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) DeleteIfEquals(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.token != token {
		return false, nil
	}
	delete(s.records, key)
	if !s.now().Before(rec.expiresAt) {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) ExpireIfEquals(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	now := s.now()
	if !ok || rec.token != token || !now.Before(rec.expiresAt) {
		return false, nil
	}
	rec.expiresAt = now.Add(ttl)
	s.records[key] = rec
	return true, nil
}
