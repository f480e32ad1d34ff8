package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestEscrow(id, orderID string, status Status) *Escrow {
	now := time.Now()
	return &Escrow{
		ID:           id,
		OrderID:      orderID,
		BuyerID:      "buyer-1",
		VendorID:     "vendor-1",
		ArbiterID:    "arbiter-1",
		Status:       status,
		Phase:        PhaseNotStarted,
		AmountAtomic: 1_000_000_000_000,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCanTransition_LegalEdges(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusCreated, StatusMultisigPending},
		{StatusMultisigPending, StatusAwaitingFunding},
		{StatusMultisigPending, StatusFailedSetup},
		{StatusAwaitingFunding, StatusFunded},
		{StatusAwaitingFunding, StatusDisputed},
		{StatusFunded, StatusActive},
		{StatusFunded, StatusDisputed},
		{StatusActive, StatusReleased},
		{StatusActive, StatusDisputed},
		{StatusDisputed, StatusReleased},
		{StatusDisputed, StatusRefunded},
	}
	for _, e := range legal {
		if !CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be legal", e.from, e.to)
		}
	}
}

func TestCanTransition_IllegalEdges(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{StatusCreated, StatusFunded},
		{StatusCreated, StatusDisputed},
		{StatusMultisigPending, StatusActive},
		{StatusAwaitingFunding, StatusActive},
		{StatusAwaitingFunding, StatusReleased},
		{StatusFunded, StatusReleased},
		{StatusDisputed, StatusActive},
		{StatusReleased, StatusRefunded},
		{StatusRefunded, StatusReleased},
		{StatusFailedSetup, StatusMultisigPending},
		{StatusActive, StatusFunded}, // no backwards edges
	}
	for _, e := range illegal {
		if CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be illegal", e.from, e.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusReleased, StatusRefunded, StatusFailedSetup} {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusMultisigPending, StatusAwaitingFunding, StatusFunded, StatusActive, StatusDisputed} {
		if IsTerminal(s) {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestTransition_HappyPath(t *testing.T) {
	store := NewMemoryStore()
	sm := NewStateMachine(store, nil)
	ctx := context.Background()

	e := newTestEscrow("esc_1", "ord_1", StatusCreated)
	if err := store.Create(ctx, e); err != nil {
		t.Fatal(err)
	}

	updated, err := sm.Transition(ctx, "esc_1", StatusCreated, StatusMultisigPending, "setup started")
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if updated.Status != StatusMultisigPending {
		t.Errorf("expected multisig_pending, got %s", updated.Status)
	}
	if updated.Version != e.Version+1 {
		t.Errorf("expected version bump, got %d", updated.Version)
	}
}

func TestTransition_IllegalEdgeRejected(t *testing.T) {
	store := NewMemoryStore()
	sm := NewStateMachine(store, nil)
	ctx := context.Background()

	if err := store.Create(ctx, newTestEscrow("esc_1", "ord_1", StatusCreated)); err != nil {
		t.Fatal(err)
	}

	_, err := sm.Transition(ctx, "esc_1", StatusCreated, StatusActive, "skip ahead")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// No write happened.
	e, _ := store.Get(ctx, "esc_1")
	if e.Status != StatusCreated {
		t.Errorf("status should be unchanged, got %s", e.Status)
	}
}

func TestTransition_StaleFromRejected(t *testing.T) {
	store := NewMemoryStore()
	sm := NewStateMachine(store, nil)
	ctx := context.Background()

	if err := store.Create(ctx, newTestEscrow("esc_1", "ord_1", StatusFunded)); err != nil {
		t.Fatal(err)
	}

	_, err := sm.Transition(ctx, "esc_1", StatusAwaitingFunding, StatusFunded, "stale caller")
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestTransition_TerminalImmutable(t *testing.T) {
	store := NewMemoryStore()
	sm := NewStateMachine(store, nil)
	ctx := context.Background()

	for _, terminal := range []Status{StatusReleased, StatusRefunded, StatusFailedSetup} {
		id := "esc_" + string(terminal)
		if err := store.Create(ctx, newTestEscrow(id, "ord_"+string(terminal), terminal)); err != nil {
			t.Fatal(err)
		}
		for _, to := range []Status{StatusActive, StatusDisputed, StatusReleased, StatusRefunded} {
			if _, err := sm.Transition(ctx, id, terminal, to, "poke"); err == nil {
				t.Errorf("transition %s -> %s should fail", terminal, to)
			}
		}
	}
}

func TestTransition_ConcurrentWritersOneWins(t *testing.T) {
	store := NewMemoryStore()
	sm := NewStateMachine(store, nil)
	ctx := context.Background()

	if err := store.Create(ctx, newTestEscrow("esc_1", "ord_1", StatusAwaitingFunding)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	targets := []Status{StatusFunded, StatusDisputed}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = sm.Transition(ctx, "esc_1", StatusAwaitingFunding, targets[i], "race")
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConcurrentModification):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Errorf("expected exactly one winner and one ErrConcurrentModification, got %d/%d", wins, losses)
	}
}

func TestUpdateFunding_ConfirmationsMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestEscrow("esc_1", "ord_1", StatusFunded)); err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateFunding(ctx, "esc_1", "aa11", 5); err != nil {
		t.Fatal(err)
	}
	// A lagging node reports fewer confirmations; the stored value must hold.
	if err := store.UpdateFunding(ctx, "esc_1", "", 2); err != nil {
		t.Fatal(err)
	}

	e, _ := store.Get(ctx, "esc_1")
	if e.Confirmations != 5 {
		t.Errorf("confirmations regressed: got %d, want 5", e.Confirmations)
	}
	if e.TxHash != "aa11" {
		t.Errorf("tx hash lost: got %q", e.TxHash)
	}
}

func TestCreate_DuplicateOrderRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestEscrow("esc_1", "ord_1", StatusCreated)); err != nil {
		t.Fatal(err)
	}
	err := store.Create(ctx, newTestEscrow("esc_2", "ord_1", StatusCreated))
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
}
