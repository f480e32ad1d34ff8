package escrow

import (
	"context"
	"fmt"

	"github.com/triadpay/escrowd/internal/logging"
	"github.com/triadpay/escrowd/internal/metrics"
	"github.com/triadpay/escrowd/internal/traces"
)

// Event names carried on the realtime channels.
const (
	EventEscrowInit      = "EscrowInit"
	EventStatusChanged   = "EscrowStatusChanged"
	EventPaymentDetected = "PaymentDetected"
	EventDisputeResolved = "DisputeResolved"
	EventNewMessage      = "NewMessage"
	EventNeedsReview     = "EscrowNeedsReview"
)

// StateMachine is the single authority over the escrow status column. All
// status changes go through Transition; everything else writes other fields.
type StateMachine struct {
	store Store
	pub   Publisher
}

// NewStateMachine creates a state machine over the given store. pub may be
// nil in tests.
func NewStateMachine(store Store, pub Publisher) *StateMachine {
	return &StateMachine{store: store, pub: pub}
}

// Transition moves an escrow from one status to another.
//
// The stored status must still equal from when the write lands; a concurrent
// writer that got there first surfaces as ErrConcurrentModification and the
// caller decides whether to reload and retry. Illegal edges fail with
// ErrInvalidTransition (ErrTerminalState when from is final) and never write.
func (sm *StateMachine) Transition(ctx context.Context, escrowID string, from, to Status, cause string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Transition",
		traces.EscrowID(escrowID),
		traces.Status(string(to)),
	)
	defer span.End()

	current, err := sm.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	if current.Status != from {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrConcurrentModification, from, current.Status)
	}

	if IsTerminal(from) {
		return nil, fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	updated, err := sm.store.CompareAndSwapStatus(ctx, escrowID, from, to, current.Version)
	if err != nil {
		return nil, err
	}

	metrics.StatusTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	logging.L(ctx).Info("escrow status changed",
		"escrow_id", escrowID,
		"from", from,
		"to", to,
		"cause", cause,
	)

	sm.publishStatusChanged(updated, from, cause)
	return updated, nil
}

// Get returns an escrow by ID.
func (sm *StateMachine) Get(ctx context.Context, id string) (*Escrow, error) {
	return sm.store.Get(ctx, id)
}

func (sm *StateMachine) publishStatusChanged(e *Escrow, from Status, cause string) {
	if sm.pub == nil {
		return
	}
	event := map[string]any{
		"event":     EventStatusChanged,
		"escrow_id": e.ID,
		"order_id":  e.OrderID,
		"from":      from,
		"status":    e.Status,
		"cause":     cause,
	}
	PublishEscrowEvent(sm.pub, e, event)
}

// PublishEscrowEvent fans an event out to both addressing schemes for an
// escrow: escrow:<id> and order:<order_id>.
func PublishEscrowEvent(pub Publisher, e *Escrow, event map[string]any) {
	if pub == nil {
		return
	}
	if name, ok := event["event"].(string); ok {
		metrics.EventsPublishedTotal.WithLabelValues(name).Inc()
	}
	pub.Publish("escrow:"+e.ID, event)
	if e.OrderID != "" {
		pub.Publish("order:"+e.OrderID, event)
	}
}
