package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-process Store. Suitable when one bank instance
// serves all traffic; load-balanced deployments need the Redis store so the
// dedup window is shared.
type MemoryStore struct {
	mu       sync.Mutex
	results  map[string][]byte
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewMemoryStore creates an in-memory store. The TTL bounds how long a
// settled response keeps answering retries; minutes, not hours.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		results:  make(map[string][]byte),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

func (s *MemoryStore) CheckAndMark(_ context.Context, key string) (Status, []byte, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, exists := s.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := s.results[key]; ok {
				return StatusCached, result, nil, nil
			}
		}
		// Expired - clean it up
		delete(s.results, key)
		delete(s.expiry, key)
	}

	if done, exists := s.inFlight[key]; exists {
		return StatusInFlight, nil, done, nil
	}

	done := make(chan struct{})
	s.inFlight[key] = done
	return StatusNotFound, nil, done, nil
}

func (s *MemoryStore) WaitForResult(ctx context.Context, key string, done chan struct{}) ([]byte, error) {
	select {
	case <-done:
		return s.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) get(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, exists := s.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(s.results, key)
		delete(s.expiry, key)
		return nil
	}
	return s.results[key]
}

func (s *MemoryStore) Complete(_ context.Context, key string, result []byte, done chan struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[key] = result
	s.expiry[key] = time.Now().Add(s.ttl)
	delete(s.inFlight, key)
	close(done)

	// Lazy cleanup of expired entries
	s.cleanupExpiredLocked()
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, key string, done chan struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// No result cached, so waiters retry
	delete(s.inFlight, key)
	close(done)
	return nil
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (s *MemoryStore) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiry := range s.expiry {
		if now.After(expiry) {
			delete(s.results, key)
			delete(s.expiry, key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
