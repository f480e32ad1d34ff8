package dispute

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	byEscrow map[string]string
}

// NewMemoryStore creates an empty in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byEscrow: make(map[string]string),
	}
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	cp.Messages = make([]Message, len(d.Messages))
	copy(cp.Messages, d.Messages)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byEscrow[d.EscrowID]; exists {
		return ErrDisputeExists
	}
	m.disputes[d.ID] = copyDispute(d)
	m.byEscrow[d.EscrowID] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEscrow[escrowID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(m.disputes[id]), nil
}

func (m *MemoryStore) MarkResolved(ctx context.Context, id, resolution, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status == StatusResolved {
		return ErrAlreadyResolved
	}
	now := time.Now()
	d.Status = StatusResolved
	d.Resolution = resolution
	d.TxHash = txHash
	d.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return ErrNotFound
	}
	d.Messages = append(d.Messages, msg)
	return nil
}

var _ Store = (*MemoryStore)(nil)

// MemoryKeyDirectory holds registered participant keys in memory.
type MemoryKeyDirectory struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewMemoryKeyDirectory creates an empty in-memory key directory.
func NewMemoryKeyDirectory() *MemoryKeyDirectory {
	return &MemoryKeyDirectory{keys: make(map[string]ed25519.PublicKey)}
}

func (m *MemoryKeyDirectory) RegisterKey(ctx context.Context, userID string, key ed25519.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make(ed25519.PublicKey, len(key))
	copy(cp, key)
	m.keys[userID] = cp
	return nil
}

func (m *MemoryKeyDirectory) PublicKey(ctx context.Context, userID string) (ed25519.PublicKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[userID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := make(ed25519.PublicKey, len(key))
	copy(cp, key)
	return cp, nil
}

var _ KeyDirectory = (*MemoryKeyDirectory)(nil)
