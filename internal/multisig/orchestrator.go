package multisig

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/triadpay/escrowd/internal/escrow"
	"github.com/triadpay/escrowd/internal/idgen"
	"github.com/triadpay/escrowd/internal/metrics"
	"github.com/triadpay/escrowd/internal/traces"
	"github.com/triadpay/escrowd/internal/walletrpc"
)

// multisigThreshold is the M in M-of-N: two of the three participants.
const multisigThreshold = 2

// expectedRound maps the escrow's current phase to the round it accepts next.
var expectedRound = map[escrow.Phase]int{
	escrow.PhaseNotStarted:      RoundPrepare,
	escrow.PhasePrepared:        RoundMake,
	escrow.PhaseMade:            RoundExchangeFirst,
	escrow.PhaseExchangedRound1: RoundExchangeSecond,
}

// phaseAfterRound maps a completed round to the phase it advances to.
var phaseAfterRound = map[int]escrow.Phase{
	RoundPrepare:        escrow.PhasePrepared,
	RoundMake:           escrow.PhaseMade,
	RoundExchangeFirst:  escrow.PhaseExchangedRound1,
	RoundExchangeSecond: escrow.PhaseExchangedRound2,
}

// RoundResult is what SubmitContribution reports back to the participant.
type RoundResult struct {
	Phase         escrow.Phase
	RoundComplete bool
	RoundOutput   string
	Address       string
}

// Orchestrator drives multisig setup for escrows.
type Orchestrator struct {
	escrows  escrow.Store
	contribs Store
	sm       *escrow.StateMachine
	rpc      walletrpc.MultisigSetup
	pub      escrow.Publisher
	logger   *slog.Logger
	locks    sync.Map // per-escrow ID locks serializing round completion
}

// NewOrchestrator creates a multisig orchestrator.
func NewOrchestrator(escrows escrow.Store, contribs Store, sm *escrow.StateMachine, rpc walletrpc.MultisigSetup, pub escrow.Publisher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		escrows:  escrows,
		contribs: contribs,
		sm:       sm,
		rpc:      rpc,
		pub:      pub,
		logger:   logger,
	}
}

func (o *Orchestrator) escrowLock(id string) *sync.Mutex {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Begin creates the escrow for an order and opens the setup window. The
// wallet's own prepare blob is produced up front so participants can fold it
// into their first round.
func (o *Orchestrator) Begin(ctx context.Context, order escrow.Order) (*escrow.Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "multisig.Begin", traces.OrderID(order.OrderID))
	defer span.End()

	now := time.Now()
	e := &escrow.Escrow{
		ID:           idgen.WithPrefix("esc_"),
		OrderID:      order.OrderID,
		BuyerID:      order.BuyerID,
		VendorID:     order.VendorID,
		ArbiterID:    order.ArbiterID,
		Status:       escrow.StatusCreated,
		Phase:        escrow.PhaseNotStarted,
		AmountAtomic: order.AmountAtomic,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := o.escrows.Create(ctx, e); err != nil {
		return nil, err
	}
	metrics.EscrowsCreatedTotal.Inc()

	e, err := o.sm.Transition(ctx, e.ID, escrow.StatusCreated, escrow.StatusMultisigPending, "multisig setup started")
	if err != nil {
		return nil, err
	}

	serviceBlob, err := o.rpc.PrepareMultisig(ctx)
	if err != nil {
		o.failSetup(ctx, e.ID, "rpc_failure")
		return nil, fmt.Errorf("preparing service wallet: %w", err)
	}
	if err := o.contribs.SaveRoundOutput(ctx, e.ID, serviceRound, serviceBlob); err != nil {
		return nil, err
	}

	escrow.PublishEscrowEvent(o.pub, e, map[string]any{
		"event":     escrow.EventEscrowInit,
		"escrow_id": e.ID,
		"order_id":  e.OrderID,
		"status":    e.Status,
	})

	o.logger.Info("escrow created, multisig setup started",
		"escrow_id", e.ID, "order_id", e.OrderID, "amount_atomic", e.AmountAtomic)
	return e, nil
}

// ServiceBlob returns the wallet's prepare blob participants fold into round 1.
func (o *Orchestrator) ServiceBlob(ctx context.Context, escrowID string) (string, error) {
	return o.contribs.GetRoundOutput(ctx, escrowID, serviceRound)
}

// SubmitContribution accepts one participant's blob for one round.
//
// A duplicate blob for an open round overwrites the previous one; a
// resubmission for a round that already closed is acknowledged without any
// effect. A round that doesn't match the current phase is rejected. The
// third distinct participant closes the round: the wallet RPC runs, the
// round output is recorded, and the phase advances. Nothing advances if the
// RPC or the store write fails.
func (o *Orchestrator) SubmitContribution(ctx context.Context, escrowID, participant string, round int, blob string) (*RoundResult, error) {
	if !ValidParticipant(participant) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParticipant, participant)
	}

	mu := o.escrowLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "multisig.SubmitContribution",
		traces.EscrowID(escrowID),
		traces.Participant(participant),
		traces.Round(round),
	)
	defer span.End()

	e, err := o.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	if e.Status != escrow.StatusMultisigPending {
		// Replays after finalization are acknowledged, anything else is closed.
		if o.alreadyContributed(ctx, escrowID, participant, round) {
			return &RoundResult{Phase: e.Phase, Address: e.MultisigAddress}, nil
		}
		return nil, fmt.Errorf("%w: escrow is %s", ErrSetupClosed, e.Status)
	}

	expected, open := expectedRound[e.Phase]
	if !open {
		if o.alreadyContributed(ctx, escrowID, participant, round) {
			return &RoundResult{Phase: e.Phase, Address: e.MultisigAddress}, nil
		}
		return nil, fmt.Errorf("%w: phase %s", ErrSetupClosed, e.Phase)
	}

	if round != expected {
		// Late replay of an already-closed round is a no-op success.
		if round < expected && o.alreadyContributed(ctx, escrowID, participant, round) {
			return &RoundResult{Phase: e.Phase}, nil
		}
		return nil, fmt.Errorf("%w: got round %d, phase %s expects round %d",
			ErrInvalidPhaseOrder, round, e.Phase, expected)
	}

	now := time.Now()
	if err := o.contribs.Upsert(ctx, &Contribution{
		EscrowID:    escrowID,
		Participant: participant,
		Round:       round,
		Blob:        blob,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return nil, err
	}
	metrics.MultisigContributionsTotal.WithLabelValues(strconv.Itoa(round)).Inc()

	collected, err := o.contribs.ListByRound(ctx, escrowID, round)
	if err != nil {
		return nil, err
	}
	if len(collected) < len(participants) {
		return &RoundResult{Phase: e.Phase}, nil
	}

	return o.completeRound(ctx, e, round, collected)
}

// completeRound runs the wallet RPC for a closed round and advances the phase.
func (o *Orchestrator) completeRound(ctx context.Context, e *escrow.Escrow, round int, collected []*Contribution) (*RoundResult, error) {
	blobs := make([]string, len(collected))
	for i, c := range collected {
		blobs[i] = c.Blob
	}

	output, address, err := o.runRoundRPC(ctx, round, blobs)
	if err != nil {
		o.logger.Error("multisig round RPC failed",
			"escrow_id", e.ID, "round", round, "error", err)
		o.failSetup(ctx, e.ID, "rpc_failure")
		return nil, err
	}

	if err := o.contribs.SaveRoundOutput(ctx, e.ID, round, output); err != nil {
		return nil, err
	}

	phase := phaseAfterRound[round]
	if round == RoundExchangeSecond {
		// Final round: persist the finalized phase and the shared address
		// together, then open the funding window.
		if err := o.escrows.UpdatePhase(ctx, e.ID, escrow.PhaseFinalized, address); err != nil {
			return nil, err
		}
		if _, err := o.sm.Transition(ctx, e.ID, escrow.StatusMultisigPending, escrow.StatusAwaitingFunding, "multisig finalized"); err != nil {
			return nil, err
		}
		o.logger.Info("multisig finalized",
			"escrow_id", e.ID, "address", address)
		return &RoundResult{
			Phase:         escrow.PhaseFinalized,
			RoundComplete: true,
			RoundOutput:   output,
			Address:       address,
		}, nil
	}

	if err := o.escrows.UpdatePhase(ctx, e.ID, phase, ""); err != nil {
		return nil, err
	}
	o.logger.Info("multisig round complete",
		"escrow_id", e.ID, "round", round, "phase", phase)
	return &RoundResult{Phase: phase, RoundComplete: true, RoundOutput: output}, nil
}

// runRoundRPC returns the round's output blob; the final round also returns
// the shared address.
func (o *Orchestrator) runRoundRPC(ctx context.Context, round int, blobs []string) (output, address string, err error) {
	switch round {
	case RoundPrepare:
		output, err = o.rpc.MakeMultisig(ctx, blobs, multisigThreshold)
		return output, "", err
	case RoundMake, RoundExchangeFirst:
		res, err := o.rpc.ExchangeMultisigKeys(ctx, blobs)
		return res.Info, "", err
	case RoundExchangeSecond:
		res, err := o.rpc.ExchangeMultisigKeys(ctx, blobs)
		if err != nil {
			return "", "", err
		}
		address = res.Address
		if address == "" {
			address, err = o.rpc.FinalizeMultisig(ctx, blobs)
			if err != nil {
				return "", "", err
			}
		}
		return res.Info, address, nil
	default:
		return "", "", fmt.Errorf("%w: round %d", ErrInvalidPhaseOrder, round)
	}
}

// failSetup moves an escrow to failed_setup. Used on RPC exhaustion and by
// the expiry sweep; the escrow never returns from here.
func (o *Orchestrator) failSetup(ctx context.Context, escrowID, reason string) {
	if err := o.escrows.UpdatePhase(ctx, escrowID, escrow.PhaseFailed, ""); err != nil {
		o.logger.Error("failed to mark phase failed", "escrow_id", escrowID, "error", err)
		return
	}
	if _, err := o.sm.Transition(ctx, escrowID, escrow.StatusMultisigPending, escrow.StatusFailedSetup, "setup "+reason); err != nil {
		o.logger.Error("failed to transition to failed_setup", "escrow_id", escrowID, "error", err)
		return
	}
	metrics.SetupFailuresTotal.WithLabelValues(reason).Inc()
}

// ExpireOverdue fails every multisig_pending escrow whose setup window has
// elapsed. Returns the number of escrows failed.
func (o *Orchestrator) ExpireOverdue(ctx context.Context, timeout time.Duration) int {
	pending, err := o.escrows.ListByStatus(ctx, []escrow.Status{escrow.StatusMultisigPending}, 100)
	if err != nil {
		o.logger.Warn("failed to list pending setups", "error", err)
		return 0
	}

	cutoff := time.Now().Add(-timeout)
	expired := 0
	for _, e := range pending {
		if !e.CreatedAt.Before(cutoff) {
			continue
		}
		mu := o.escrowLock(e.ID)
		mu.Lock()
		o.failSetup(ctx, e.ID, "timeout")
		mu.Unlock()
		expired++
		o.logger.Warn("multisig setup timed out",
			"escrow_id", e.ID, "created_at", e.CreatedAt)
	}
	return expired
}

func (o *Orchestrator) alreadyContributed(ctx context.Context, escrowID, participant string, round int) bool {
	_, err := o.contribs.Get(ctx, escrowID, participant, round)
	return err == nil
}

// Compile-time assertion that Orchestrator can initiate escrows.
var _ escrow.Initiator = (*Orchestrator)(nil)
