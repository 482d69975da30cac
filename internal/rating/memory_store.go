package rating

import (
	"context"
	"sync"
)

// MemoryStore keeps ratings in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	ratings map[string]UserRating
}

// NewMemoryStore creates an empty in-memory rating store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ratings: make(map[string]UserRating)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Save(_ context.Context, r *UserRating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings[r.UserID] = *r
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*UserRating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.ratings[userID]
	if !ok {
		return nil, ErrRatingNotFound
	}
	return &r, nil
}
