// Package escrow holds server-side 2-of-3 multisig escrows between a buyer,
// a vendor, and an arbiter.
//
// Lifecycle:
//  1. Order placed → escrow created, multisig setup begins
//  2. Setup finalized → shared address issued, buyer funds it
//  3. Funding confirmed on the ledger → escrow active
//  4. Release or refund settles the funds with a 2-of-3 signature quorum
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound               = errors.New("escrow: not found")
	ErrDuplicateOrder         = errors.New("escrow: order already has an escrow")
	ErrConcurrentModification = errors.New("escrow: concurrent modification")
	ErrInvalidTransition      = errors.New("escrow: invalid status transition")
	ErrTerminalState          = errors.New("escrow: escrow is in a terminal state")
)

// Status represents the lifecycle state of an escrow.
type Status string

const (
	StatusCreated         Status = "created"
	StatusMultisigPending Status = "multisig_pending"
	StatusAwaitingFunding Status = "awaiting_funding"
	StatusFunded          Status = "funded"
	StatusActive          Status = "active"
	StatusDisputed        Status = "disputed"
	StatusReleased        Status = "released"
	StatusRefunded        Status = "refunded"
	StatusFailedSetup     Status = "failed_setup"
)

// Phase represents progress through the multisig key exchange.
type Phase string

const (
	PhaseNotStarted      Phase = "not_started"
	PhasePrepared        Phase = "prepared"
	PhaseMade            Phase = "made"
	PhaseExchangedRound1 Phase = "exchanged_round1"
	PhaseExchangedRound2 Phase = "exchanged_round2"
	PhaseFinalized       Phase = "finalized"
	PhaseFailed          Phase = "failed"
)

// transitions is the authoritative edge table. A status not present as a key
// is terminal.
var transitions = map[Status][]Status{
	StatusCreated:         {StatusMultisigPending},
	StatusMultisigPending: {StatusAwaitingFunding, StatusFailedSetup},
	StatusAwaitingFunding: {StatusFunded, StatusDisputed},
	StatusFunded:          {StatusActive, StatusDisputed},
	StatusActive:          {StatusReleased, StatusDisputed},
	StatusDisputed:        {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(s Status) bool {
	_, ok := transitions[s]
	return !ok
}

// Escrow is one 2-of-3 multisig escrow contract.
type Escrow struct {
	ID              string    `json:"id"`
	OrderID         string    `json:"order_id"`
	BuyerID         string    `json:"buyer_id"`
	VendorID        string    `json:"vendor_id"`
	ArbiterID       string    `json:"arbiter_id"`
	MultisigAddress string    `json:"multisig_address,omitempty"`
	Phase           Phase     `json:"multisig_phase"`
	Status          Status    `json:"status"`
	AmountAtomic    int64     `json:"amount_atomic"`
	Confirmations   uint64    `json:"confirmations"`
	TxHash          string    `json:"transaction_hash,omitempty"`
	NeedsReview     bool      `json:"needs_review"`
	Version         int64     `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return IsTerminal(e.Status)
}

// Store persists escrow data. CompareAndSwapStatus is the only status writer;
// UpdateFunding and SetNeedsReview touch their fields without moving status.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOrder(ctx context.Context, orderID string) (*Escrow, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to Status, version int64) (*Escrow, error)
	UpdatePhase(ctx context.Context, id string, phase Phase, address string) error
	UpdateFunding(ctx context.Context, id string, txHash string, confirmations uint64) error
	SetNeedsReview(ctx context.Context, id string, flag bool) error
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Escrow, error)
}

// Publisher delivers events to realtime subscribers. Satisfied by the
// notification hub; escrow doesn't import realtime.
type Publisher interface {
	Publish(channel string, event any)
}
