package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLog stores audit entries in memory for demo/testing.
type MemoryLog struct {
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryLog creates an in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, entries ...*Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range entries {
		l.nextID++
		cp := *entry
		cp.ID = l.nextID
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		entry.ID = cp.ID
		entry.CreatedAt = cp.CreatedAt
		l.entries = append(l.entries, &cp)
	}
	return nil
}

// Query returns matching entries newest first.
func (l *MemoryLog) Query(_ context.Context, filter Filter) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := filter.limit()
	var result []*Entry
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if !filter.matches(e) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns all stored entries in append order (for testing).
func (l *MemoryLog) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Entry, len(l.entries))
	for i, e := range l.entries {
		cp := *e
		result[i] = &cp
	}
	return result
}
