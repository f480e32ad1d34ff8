package dispute

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/triadpay/escrowd/internal/escrow"
	"github.com/triadpay/escrowd/internal/idgen"
	"github.com/triadpay/escrowd/internal/metrics"
	"github.com/triadpay/escrowd/internal/traces"
	"github.com/triadpay/escrowd/internal/validation"
	"github.com/triadpay/escrowd/internal/walletrpc"
)

// quorum is the number of valid participant signatures a settlement needs.
const quorum = 2

// disputable are the escrow states a dispute may be opened from: funds are
// committed or expected, and not yet settled.
var disputable = map[escrow.Status]bool{
	escrow.StatusAwaitingFunding: true,
	escrow.StatusFunded:          true,
	escrow.StatusActive:          true,
}

// SignatureEntry is one participant's signature over the settlement binding.
type SignatureEntry struct {
	Participant string `json:"participant"` // buyer | vendor | arbiter
	PublicKey   string `json:"public_key"`  // hex
	Signature   string `json:"signature"`   // hex
}

// SettlementRequest carries everything needed to settle an escrow.
type SettlementRequest struct {
	Resolution    string           `json:"resolution"`
	UnsignedTxSet string           `json:"unsigned_txset"`
	SignedTxSet   string           `json:"signed_txset"`
	Signatures    []SignatureEntry `json:"signature_set"`
}

// Coordinator opens, argues, and settles disputes.
type Coordinator struct {
	disputes Store
	escrows  escrow.Store
	sm       *escrow.StateMachine
	rpc      walletrpc.Broadcaster
	keys     KeyDirectory
	pub      escrow.Publisher
	logger   *slog.Logger
}

// NewCoordinator creates a dispute coordinator.
func NewCoordinator(disputes Store, escrows escrow.Store, sm *escrow.StateMachine, rpc walletrpc.Broadcaster, keys KeyDirectory, pub escrow.Publisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		disputes: disputes,
		escrows:  escrows,
		sm:       sm,
		rpc:      rpc,
		keys:     keys,
		pub:      pub,
		logger:   logger,
	}
}

// Open creates a dispute for an escrow and freezes it. The freeze races
// with the watcher's own transitions; a lost swap reloads the escrow and
// tries again, and the dispute row is only created once the escrow is
// actually frozen, so a failed open leaves nothing behind.
func (c *Coordinator) Open(ctx context.Context, escrowID, openedBy, reason, description string) (*Dispute, error) {
	if len(description) < validation.MinDisputeDescription {
		return nil, fmt.Errorf("%w: description must be at least %d characters",
			ErrIllegalDisputeState, validation.MinDisputeDescription)
	}

	var e *escrow.Escrow
	for attempt := 0; ; attempt++ {
		var err error
		e, err = c.escrows.Get(ctx, escrowID)
		if err != nil {
			return nil, err
		}
		if _, err := c.disputes.GetByEscrow(ctx, e.ID); err == nil {
			return nil, ErrDisputeExists
		}
		if !disputable[e.Status] {
			return nil, fmt.Errorf("%w: %s", ErrIllegalDisputeState, e.Status)
		}
		_, err = c.sm.Transition(ctx, e.ID, e.Status, escrow.StatusDisputed, "dispute opened by "+openedBy)
		if err == nil {
			break
		}
		if !errors.Is(err, escrow.ErrConcurrentModification) || attempt >= 2 {
			return nil, err
		}
	}

	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		EscrowID:    e.ID,
		OrderID:     e.OrderID,
		OpenedBy:    openedBy,
		Reason:      reason,
		Description: description,
		Status:      StatusOpen,
		CreatedAt:   time.Now(),
	}
	if err := c.disputes.Create(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesOpenedTotal.Inc()
	c.logger.Info("dispute opened",
		"dispute_id", d.ID, "escrow_id", e.ID, "opened_by", openedBy, "reason", reason)
	return d, nil
}

// OpenForOrder opens a dispute addressed by order ID.
func (c *Coordinator) OpenForOrder(ctx context.Context, orderID, openedBy, reason, description string) (*Dispute, error) {
	e, err := c.escrows.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return c.Open(ctx, e.ID, openedBy, reason, description)
}

// GetByOrder returns the dispute for an order, if any.
func (c *Coordinator) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	e, err := c.escrows.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return c.disputes.GetByEscrow(ctx, e.ID)
}

// Resolve settles a disputed escrow. The settlement only goes out if at
// least two of the three registered participant keys signed the binding of
// this resolution to this escrow and this exact transaction.
func (c *Coordinator) Resolve(ctx context.Context, escrowID string, req SettlementRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.EscrowID(escrowID))
	defer span.End()

	d, err := c.disputes.GetByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}

	e, err := c.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != escrow.StatusDisputed {
		return nil, fmt.Errorf("%w: escrow is %s, not disputed", ErrIllegalDisputeState, e.Status)
	}

	var target escrow.Status
	switch req.Resolution {
	case ResolutionReleaseToVendor:
		target = escrow.StatusReleased
	case ResolutionRefundToBuyer:
		target = escrow.StatusRefunded
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, req.Resolution)
	}

	if err := c.verifySettlement(ctx, e, req); err != nil {
		return nil, err
	}

	// Commit the outcome before broadcasting. A lost race means the escrow
	// moved under us and the settlement is rejected with nothing on the wire.
	updated, err := c.sm.Transition(ctx, e.ID, escrow.StatusDisputed, target, "dispute resolved: "+req.Resolution)
	if err != nil {
		return nil, err
	}
	e = updated

	txHash, err := c.broadcast(ctx, e, req.SignedTxSet)
	if err != nil {
		return nil, err
	}

	if err := c.disputes.MarkResolved(ctx, d.ID, req.Resolution, txHash); err != nil {
		return nil, err
	}

	metrics.DisputesResolvedTotal.WithLabelValues(req.Resolution).Inc()
	c.logger.Info("dispute resolved",
		"dispute_id", d.ID, "escrow_id", e.ID, "resolution", req.Resolution, "tx_hash", txHash)

	escrow.PublishEscrowEvent(c.pub, e, map[string]any{
		"event":      escrow.EventDisputeResolved,
		"escrow_id":  e.ID,
		"order_id":   e.OrderID,
		"dispute_id": d.ID,
		"resolution": req.Resolution,
		"tx_hash":    txHash,
	})

	d.Status = StatusResolved
	d.Resolution = req.Resolution
	d.TxHash = txHash
	return d, nil
}

// Release settles an undisputed active escrow to the vendor. Same quorum
// gate as a dispute resolution; the state machine rejects anything that
// isn't active → released.
func (c *Coordinator) Release(ctx context.Context, escrowID string, req SettlementRequest) (*escrow.Escrow, string, error) {
	if req.Resolution != ResolutionReleaseToVendor {
		return nil, "", fmt.Errorf("%w: undisputed settlement must be %s", ErrInvalidResolution, ResolutionReleaseToVendor)
	}

	e, err := c.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, "", err
	}
	if e.Status != escrow.StatusActive {
		return nil, "", fmt.Errorf("%w: cannot release from %s", escrow.ErrInvalidTransition, e.Status)
	}

	if err := c.verifySettlement(ctx, e, req); err != nil {
		return nil, "", err
	}

	updated, err := c.sm.Transition(ctx, e.ID, escrow.StatusActive, escrow.StatusReleased, "released to vendor")
	if err != nil {
		return nil, "", err
	}

	txHash, err := c.broadcast(ctx, updated, req.SignedTxSet)
	if err != nil {
		return nil, "", err
	}

	c.logger.Info("escrow released", "escrow_id", e.ID, "tx_hash", txHash)
	escrow.PublishEscrowEvent(c.pub, updated, map[string]any{
		"event":      escrow.EventDisputeResolved,
		"escrow_id":  e.ID,
		"order_id":   e.OrderID,
		"resolution": req.Resolution,
		"tx_hash":    txHash,
	})
	return updated, txHash, nil
}

// verifySettlement checks the signature quorum against the transaction the
// unsigned set actually describes. No side effects.
func (c *Coordinator) verifySettlement(ctx context.Context, e *escrow.Escrow, req SettlementRequest) error {
	desc, err := c.rpc.DescribeTransfer(ctx, req.UnsignedTxSet)
	if err != nil {
		return err
	}
	return c.verifyQuorum(ctx, e, req.Resolution, desc.Digest, req.Signatures)
}

// broadcast submits the signed transaction set. The escrow status is already
// committed when this runs, so a broadcast failure flags the escrow for an
// operator, who can resubmit the signed set by hand.
func (c *Coordinator) broadcast(ctx context.Context, e *escrow.Escrow, signedTxSet string) (string, error) {
	txHash, err := c.rpc.SubmitMultisig(ctx, signedTxSet)
	if err != nil {
		if reviewErr := c.escrows.SetNeedsReview(ctx, e.ID, true); reviewErr != nil {
			c.logger.Error("failed to flag escrow after broadcast failure",
				"escrow_id", e.ID, "error", reviewErr)
		}
		c.logger.Error("settlement broadcast failed", "escrow_id", e.ID, "error", err)
		return "", fmt.Errorf("broadcasting settlement: %w", err)
	}
	return txHash, nil
}

// SigningMessage is the exact byte string participants sign: the resolution,
// the escrow ID, and the transaction digest, pipe-delimited. Signatures over
// anything else, including the same resolution for a different transaction,
// do not count toward the quorum.
func SigningMessage(resolution, escrowID, digest string) []byte {
	return []byte(resolution + "|" + escrowID + "|" + digest)
}

func (c *Coordinator) verifyQuorum(ctx context.Context, e *escrow.Escrow, resolution, digest string, sigs []SignatureEntry) error {
	roleUser := map[string]string{
		"buyer":   e.BuyerID,
		"vendor":  e.VendorID,
		"arbiter": e.ArbiterID,
	}
	message := SigningMessage(resolution, e.ID, digest)

	valid := make(map[string]bool)
	for _, entry := range sigs {
		userID, ok := roleUser[entry.Participant]
		if !ok {
			c.logger.Warn("settlement signature from unknown role",
				"escrow_id", e.ID, "participant", entry.Participant)
			continue
		}

		registered, err := c.keys.PublicKey(ctx, userID)
		if err != nil {
			c.logger.Warn("settlement signature from participant with no registered key",
				"escrow_id", e.ID, "participant", entry.Participant)
			continue
		}

		provided, err := hex.DecodeString(entry.PublicKey)
		if err != nil || len(provided) != ed25519.PublicKeySize || !registered.Equal(ed25519.PublicKey(provided)) {
			c.logger.Warn("settlement signature with mismatched public key",
				"escrow_id", e.ID, "participant", entry.Participant)
			continue
		}

		sig, err := hex.DecodeString(entry.Signature)
		if err != nil || !ed25519.Verify(registered, message, sig) {
			c.logger.Warn("invalid settlement signature",
				"escrow_id", e.ID, "participant", entry.Participant)
			continue
		}

		valid[entry.Participant] = true
	}

	if len(valid) < quorum {
		metrics.QuorumRejectionsTotal.Inc()
		c.logger.Warn("settlement rejected, signature quorum not met",
			"escrow_id", e.ID, "resolution", resolution, "valid_signatures", len(valid))
		return fmt.Errorf("%w: %d of %d required", ErrInvalidSignatureQuorum, len(valid), quorum)
	}
	return nil
}

// AddMessage appends to a dispute's evidence thread and notifies subscribers.
func (c *Coordinator) AddMessage(ctx context.Context, escrowID, author, body string) (*Message, error) {
	d, err := c.disputes.GetByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	msg := Message{
		ID:        idgen.WithPrefix("msg_"),
		Author:    author,
		Body:      validation.SanitizeString(body, validation.MaxStringLength),
		CreatedAt: time.Now(),
	}
	if err := c.disputes.AppendMessage(ctx, d.ID, msg); err != nil {
		return nil, err
	}

	if e, err := c.escrows.Get(ctx, escrowID); err == nil {
		escrow.PublishEscrowEvent(c.pub, e, map[string]any{
			"event":      escrow.EventNewMessage,
			"escrow_id":  e.ID,
			"order_id":   e.OrderID,
			"dispute_id": d.ID,
			"author":     author,
			"message_id": msg.ID,
		})
	}
	return &msg, nil
}

// Get returns a dispute by escrow ID.
func (c *Coordinator) Get(ctx context.Context, escrowID string) (*Dispute, error) {
	return c.disputes.GetByEscrow(ctx, escrowID)
}
