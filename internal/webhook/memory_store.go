package webhook

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used when no database is configured.
type MemoryStore struct {
	events map[string]*Event
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (m *MemoryStore) Create(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyEvent(e)
	m.events[e.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEvent(e), nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Event
	for _, e := range m.events {
		if e.Due(now) {
			result = append(result, copyEvent(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByInvoice(_ context.Context, invoiceID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Event
	for _, e := range m.events {
		if e.InvoiceID == invoiceID {
			result = append(result, copyEvent(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; !ok {
		return ErrNotFound
	}
	m.events[e.ID] = copyEvent(e)
	return nil
}

func copyEvent(e *Event) *Event {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	if e.LastAttemptAt != nil {
		t := *e.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if e.NextRetryAt != nil {
		t := *e.NextRetryAt
		cp.NextRetryAt = &t
	}
	return &cp
}
