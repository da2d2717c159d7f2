package lease

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	holder  string
	expires time.Time
}

// MemoryStore keeps leases in process. Used whenever REDIS_URL is unset.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]entry
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]entry),
		now:    time.Now,
	}
}

// Acquire grants the lease when it is free, expired, or already held by holder
// (which refreshes the TTL).
func (s *MemoryStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if current, ok := s.leases[key]; ok && current.holder != holder && now.Before(current.expires) {
		return false, nil
	}

	s.leases[key] = entry{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

// Release drops the lease only if holder still owns it
func (s *MemoryStore) Release(ctx context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.leases[key]; ok && current.holder == holder {
		delete(s.leases, key)
	}
	return nil
}
