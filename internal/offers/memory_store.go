package offers

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory offer store for demo/development mode.
type MemoryStore struct {
	offers map[string]*Offer
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; ok {
		return ErrOfferExists
	}
	m.offers[o.ID] = o.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; !ok {
		return ErrOfferNotFound
	}
	m.offers[o.ID] = o.clone()
	return nil
}

func (m *MemoryStore) ListByListing(_ context.Context, listingID string, limit int) ([]*Offer, error) {
	return m.list(limit, func(o *Offer) bool { return o.ListingID == listingID }), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Offer, error) {
	return m.list(limit, func(o *Offer) bool { return o.BuyerID == userID || o.SellerID == userID }), nil
}

func (m *MemoryStore) list(limit int, keep func(*Offer) bool) []*Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if keep(o) {
			result = append(result, o.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
