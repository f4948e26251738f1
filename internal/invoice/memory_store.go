package invoice

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used when no database is configured.
type MemoryStore struct {
	invoices map[string]*Invoice
	byRef    map[string]string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]*Invoice),
		byRef:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.invoices[inv.ID] = &cp
	m.byRef[inv.Reference] = inv.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) GetByReference(_ context.Context, reference string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRef[reference]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.invoices[id]
	return &cp, nil
}

func (m *MemoryStore) ListByMerchant(_ context.Context, merchantID string, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.MerchantID == merchantID {
			cp := *inv
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListScannable(_ context.Context, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.Status == StatusPending || inv.Status == StatusProcessing {
			cp := *inv
			result = append(result, &cp)
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

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, proof *Proof) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return false, ErrNotFound
	}
	if !allowedTransition(inv.Status, status) {
		return false, nil
	}
	inv.Status = status
	if proof != nil {
		inv.PayerAddress = proof.PayerAddress
		inv.TransactionSignature = proof.TransactionSignature
		inv.ConfirmedAmount = proof.ConfirmedAmount
		at := proof.ConfirmedAt
		inv.ConfirmedAt = &at
	}
	return true, nil
}
