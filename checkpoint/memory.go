package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory checkpoint store for testing.
//
// This store is not suitable for production as data is lost on restart.
// Use RedisStore or MongoStore for production workloads.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Info
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]Info),
	}
}

// Save persists the token for a feed.
func (s *MemoryStore) Save(ctx context.Context, feedID string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[feedID] = Info{FeedID: feedID, Token: token, UpdatedAt: time.Now()}
	return nil
}

// Load retrieves the last saved token for a feed.
// Returns an empty token and nil error if no checkpoint exists.
func (s *MemoryStore) Load(ctx context.Context, feedID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.checkpoints[feedID].Token, nil
}

// Delete removes the token for a feed.
func (s *MemoryStore) Delete(ctx context.Context, feedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, feedID)
	return nil
}

// Info returns detailed checkpoint information, or nil if none exists.
func (s *MemoryStore) Info(ctx context.Context, feedID string) (*Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.checkpoints[feedID]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

var _ Store = (*MemoryStore)(nil)
