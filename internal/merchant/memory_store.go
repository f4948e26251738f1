package merchant

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used when no database is configured.
type MemoryStore struct {
	merchants map[string]*Merchant
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{merchants: make(map[string]*Merchant)}
}

func (m *MemoryStore) Create(_ context.Context, mc *Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mc
	m.merchants[mc.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.merchants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mc
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, mc *Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.merchants[mc.ID]; !ok {
		return ErrNotFound
	}
	cp := *mc
	m.merchants[mc.ID] = &cp
	return nil
}
