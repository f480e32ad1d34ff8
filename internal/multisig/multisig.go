// Package multisig orchestrates the 2-of-3 key exchange that produces an
// escrow's shared address.
//
// Setup runs in four rounds. Each round collects exactly one blob from each
// of buyer, vendor, and arbiter; the third blob triggers the wallet RPC for
// that round, and its output blob is what participants feed into the next
// round. The last round yields the shared multisig address.
package multisig

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidPhaseOrder  = errors.New("multisig: contribution round does not match current phase")
	ErrUnknownParticipant = errors.New("multisig: unknown participant role")
	ErrSetupClosed        = errors.New("multisig: setup is no longer accepting contributions")
	ErrNotFound           = errors.New("multisig: contribution not found")
)

// Participant roles. Contributions are keyed by role, not user ID; the
// escrow row already binds each role to a user.
const (
	ParticipantBuyer   = "buyer"
	ParticipantVendor  = "vendor"
	ParticipantArbiter = "arbiter"
)

// Rounds of the key exchange.
const (
	RoundPrepare        = 1
	RoundMake           = 2
	RoundExchangeFirst  = 3
	RoundExchangeSecond = 4

	// serviceRound stores the wallet's own prepare blob, produced at Begin.
	serviceRound = 0
)

var participants = map[string]bool{
	ParticipantBuyer:   true,
	ParticipantVendor:  true,
	ParticipantArbiter: true,
}

// ValidParticipant reports whether role is one of buyer/vendor/arbiter.
func ValidParticipant(role string) bool {
	return participants[role]
}

// Contribution is one participant's blob for one round.
type Contribution struct {
	EscrowID    string    `json:"escrow_id"`
	Participant string    `json:"participant"`
	Round       int       `json:"round"`
	Blob        string    `json:"blob"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists contributions and per-round wallet outputs.
type Store interface {
	Upsert(ctx context.Context, c *Contribution) error
	Get(ctx context.Context, escrowID, participant string, round int) (*Contribution, error)
	ListByRound(ctx context.Context, escrowID string, round int) ([]*Contribution, error)
	SaveRoundOutput(ctx context.Context, escrowID string, round int, blob string) error
	GetRoundOutput(ctx context.Context, escrowID string, round int) (string, error)
}
