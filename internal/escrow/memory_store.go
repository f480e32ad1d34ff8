package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	byOrder map[string]string
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byOrder: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[escrow.OrderID]; ok {
		return ErrDuplicateOrder
	}
	cp := *escrow
	m.escrows[escrow.ID] = &cp
	m.byOrder[escrow.OrderID] = escrow.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) CompareAndSwapStatus(ctx context.Context, id string, from, to Status, version int64) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if escrow.Status != from || escrow.Version != version {
		return nil, ErrConcurrentModification
	}

	escrow.Status = to
	escrow.Version++
	escrow.UpdatedAt = time.Now()
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) UpdatePhase(ctx context.Context, id string, phase Phase, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	escrow.Phase = phase
	if address != "" {
		escrow.MultisigAddress = address
	}
	escrow.Version++
	escrow.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateFunding(ctx context.Context, id string, txHash string, confirmations uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	if txHash != "" {
		escrow.TxHash = txHash
	}
	// Confirmations never go backwards.
	if confirmations > escrow.Confirmations {
		escrow.Confirmations = confirmations
	}
	escrow.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetNeedsReview(ctx context.Context, id string, flag bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	escrow.NeedsReview = flag
	escrow.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var result []*Escrow
	for _, e := range m.escrows {
		if want[e.Status] {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
