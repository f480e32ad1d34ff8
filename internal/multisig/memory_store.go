package multisig

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory contribution store for demo/development mode.
type MemoryStore struct {
	contribs map[string]*Contribution
	outputs  map[string]string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory contribution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contribs: make(map[string]*Contribution),
		outputs:  make(map[string]string),
	}
}

func contribKey(escrowID, participant string, round int) string {
	return fmt.Sprintf("%s/%s/%d", escrowID, participant, round)
}

func outputKey(escrowID string, round int) string {
	return fmt.Sprintf("%s/%d", escrowID, round)
}

func (m *MemoryStore) Upsert(ctx context.Context, c *Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := contribKey(c.EscrowID, c.Participant, c.Round)
	if existing, ok := m.contribs[key]; ok {
		cp := *c
		cp.CreatedAt = existing.CreatedAt
		m.contribs[key] = &cp
		return nil
	}
	cp := *c
	m.contribs[key] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, escrowID, participant string, round int) (*Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contribs[contribKey(escrowID, participant, round)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListByRound(ctx context.Context, escrowID string, round int) ([]*Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contribution
	for _, c := range m.contribs {
		if c.EscrowID == escrowID && c.Round == round {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) SaveRoundOutput(ctx context.Context, escrowID string, round int, blob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outputs[outputKey(escrowID, round)] = blob
	return nil
}

func (m *MemoryStore) GetRoundOutput(ctx context.Context, escrowID string, round int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.outputs[outputKey(escrowID, round)]
	if !ok {
		return "", ErrNotFound
	}
	return blob, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
