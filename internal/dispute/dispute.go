// Package dispute freezes contested escrows and settles them under a 2-of-3
// signature quorum.
//
// Any participant can open a dispute while funds are on the table. Nothing
// moves again until two of the three registered participant keys sign off on
// one settlement transaction; the same gate guards undisputed release.
package dispute

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"
)

var (
	ErrNotFound               = errors.New("dispute: not found")
	ErrDisputeExists          = errors.New("dispute: escrow already has a dispute")
	ErrIllegalDisputeState    = errors.New("dispute: escrow state does not allow a dispute")
	ErrAlreadyResolved        = errors.New("dispute: already resolved")
	ErrInvalidResolution      = errors.New("dispute: unknown resolution")
	ErrInvalidSignatureQuorum = errors.New("dispute: fewer than two valid participant signatures")
	ErrKeyNotFound            = errors.New("dispute: no registered key for participant")
)

// Resolutions.
const (
	ResolutionReleaseToVendor = "release_to_vendor"
	ResolutionRefundToBuyer   = "refund_to_buyer"
)

// Dispute statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Message is one entry in a dispute's evidence thread.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Dispute is the contested state of one escrow. At most one per escrow.
type Dispute struct {
	ID          string     `json:"id"`
	EscrowID    string     `json:"escrow_id"`
	OrderID     string     `json:"order_id"`
	OpenedBy    string     `json:"opened_by"`
	Reason      string     `json:"reason"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Resolution  string     `json:"resolution,omitempty"`
	TxHash      string     `json:"transaction_hash,omitempty"`
	Messages    []Message  `json:"messages,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	MarkResolved(ctx context.Context, id, resolution, txHash string) error
	AppendMessage(ctx context.Context, id string, msg Message) error
}

// KeyDirectory maps participant user IDs to their registered signing keys.
type KeyDirectory interface {
	RegisterKey(ctx context.Context, userID string, key ed25519.PublicKey) error
	PublicKey(ctx context.Context, userID string) (ed25519.PublicKey, error)
}
