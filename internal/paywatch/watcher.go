// Package paywatch monitors the ledger for escrow funding.
//
// A single poll loop scans every escrow that is waiting on the chain:
// awaiting_funding escrows for their first funding transaction, funded
// escrows for confirmation depth, active escrows for reorgs.
package paywatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/triadpay/escrowd/internal/escrow"
	"github.com/triadpay/escrowd/internal/metrics"
	"github.com/triadpay/escrowd/internal/walletrpc"
)

// Config for the payment watcher.
type Config struct {
	PollInterval          time.Duration
	RequiredConfirmations uint64
	BatchSize             int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:          15 * time.Second,
		RequiredConfirmations: 10,
		BatchSize:             100,
	}
}

// Watcher polls the wallet node and advances escrows through funding.
type Watcher struct {
	config Config
	ledger walletrpc.LedgerReader
	store  escrow.Store
	sm     *escrow.StateMachine
	pub    escrow.Publisher
	logger *slog.Logger

	// Funding events already emitted this run, keyed escrowID+txHash.
	// Escrows with a stored tx hash and an advanced status never re-enter
	// recordFunding, so restarts don't re-emit either.
	processed map[string]bool
	mu        sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// New creates a payment watcher.
func New(cfg Config, ledger walletrpc.LedgerReader, store escrow.Store, sm *escrow.StateMachine, pub escrow.Publisher, logger *slog.Logger) *Watcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Watcher{
		config:    cfg,
		ledger:    ledger,
		store:     store,
		sm:        sm,
		pub:       pub,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the poll loop. Call in a goroutine via go w.Start(ctx) or let
// it spawn itself.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("payment watcher started",
		"poll_interval", w.config.PollInterval,
		"required_confirmations", w.config.RequiredConfirmations,
	)
	go w.pollLoop(ctx)
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Scan(ctx); err != nil {
				metrics.WatcherScansTotal.WithLabelValues("error").Inc()
				w.logger.Error("payment scan failed", "error", err)
			} else {
				metrics.WatcherScansTotal.WithLabelValues("ok").Inc()
			}
		}
	}
}

// Scan runs one poll cycle over every chain-watched escrow. Exported so the
// server can trigger an immediate scan and tests can drive the watcher
// without the ticker.
func (w *Watcher) Scan(ctx context.Context) error {
	watched, err := w.store.ListByStatus(ctx, []escrow.Status{
		escrow.StatusAwaitingFunding,
		escrow.StatusFunded,
		escrow.StatusActive,
	}, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("listing watched escrows: %w", err)
	}
	if len(watched) == 0 {
		return nil
	}

	height, err := w.ledger.GetHeight(ctx)
	if err != nil {
		return fmt.Errorf("getting chain height: %w", err)
	}

	for _, e := range watched {
		// Disputed and terminal escrows never reach here via ListByStatus,
		// but a transition can land mid-scan. Skip anything that moved.
		if e.MultisigAddress == "" {
			continue
		}
		if err := w.scanEscrow(ctx, e, height); err != nil {
			w.logger.Error("escrow scan failed", "escrow_id", e.ID, "error", err)
		}
	}
	return nil
}

func (w *Watcher) scanEscrow(ctx context.Context, e *escrow.Escrow, height uint64) error {
	if e.NeedsReview {
		// Frozen until an operator clears the flag.
		return nil
	}

	transfers, err := w.ledger.GetTransfers(ctx, e.MultisigAddress)
	if err != nil {
		return err
	}

	funding := w.findFunding(e, transfers)
	if funding == nil {
		if e.TxHash != "" {
			// We recorded a funding tx and the node no longer returns it:
			// the chain reorganized under us. Flag for a human, freeze
			// auto-advancement, never unwind status or confirmations.
			return w.flagReorg(ctx, e)
		}
		return nil
	}

	if e.TxHash == "" || e.Status == escrow.StatusAwaitingFunding {
		// Either first sight of the funding tx, or a previous cycle stored
		// the hash and then lost a write; recordFunding finishes the job.
		if err := w.recordFunding(ctx, e, funding); err != nil {
			return err
		}
		e.TxHash = funding.TxHash
		if e.Status == escrow.StatusAwaitingFunding {
			e.Status = escrow.StatusFunded
		}
	}

	confirmations := confirmationDepth(height, funding.Height)
	if confirmations > e.Confirmations {
		if err := w.store.UpdateFunding(ctx, e.ID, "", confirmations); err != nil {
			return err
		}
		e.Confirmations = confirmations
	}

	if e.Status == escrow.StatusFunded && e.Confirmations >= w.config.RequiredConfirmations {
		if _, err := w.sm.Transition(ctx, e.ID, escrow.StatusFunded, escrow.StatusActive, "confirmation threshold reached"); err != nil {
			return err
		}
	}
	return nil
}

// findFunding picks the transfer that funds this escrow: the recorded tx if
// one exists, otherwise the first transfer covering the escrow amount.
func (w *Watcher) findFunding(e *escrow.Escrow, transfers []walletrpc.Transfer) *walletrpc.Transfer {
	for i := range transfers {
		if e.TxHash != "" && transfers[i].TxHash == e.TxHash {
			return &transfers[i]
		}
	}
	if e.TxHash != "" {
		return nil
	}
	for i := range transfers {
		if transfers[i].AmountAtomic >= e.AmountAtomic {
			return &transfers[i]
		}
	}
	return nil
}

func (w *Watcher) recordFunding(ctx context.Context, e *escrow.Escrow, funding *walletrpc.Transfer) error {
	key := e.ID + ":" + funding.TxHash

	w.mu.Lock()
	seen := w.processed[key]
	w.processed[key] = true
	w.mu.Unlock()

	// A failed write unmarks the key so the next cycle retries the whole
	// record, emission included.
	if err := w.store.UpdateFunding(ctx, e.ID, funding.TxHash, 0); err != nil {
		w.unmark(key, seen)
		return err
	}

	if e.Status == escrow.StatusAwaitingFunding {
		if _, err := w.sm.Transition(ctx, e.ID, escrow.StatusAwaitingFunding, escrow.StatusFunded, "funding detected"); err != nil {
			w.unmark(key, seen)
			return err
		}
	}

	if !seen {
		metrics.PaymentsDetectedTotal.Inc()
		w.logger.Info("payment detected",
			"escrow_id", e.ID,
			"tx_hash", funding.TxHash,
			"amount_atomic", funding.AmountAtomic,
		)
		escrow.PublishEscrowEvent(w.pub, e, map[string]any{
			"event":         escrow.EventPaymentDetected,
			"escrow_id":     e.ID,
			"order_id":      e.OrderID,
			"tx_hash":       funding.TxHash,
			"amount_atomic": funding.AmountAtomic,
		})
	}
	return nil
}

// unmark drops an idempotency key this call marked. Keys that were already
// marked by an earlier successful cycle stay put.
func (w *Watcher) unmark(key string, seen bool) {
	if seen {
		return
	}
	w.mu.Lock()
	delete(w.processed, key)
	w.mu.Unlock()
}

func (w *Watcher) flagReorg(ctx context.Context, e *escrow.Escrow) error {
	if e.NeedsReview {
		return nil
	}
	if err := w.store.SetNeedsReview(ctx, e.ID, true); err != nil {
		return err
	}
	metrics.ReorgsDetectedTotal.Inc()
	w.logger.Warn("funding transaction disappeared, flagging for review",
		"escrow_id", e.ID, "tx_hash", e.TxHash)
	escrow.PublishEscrowEvent(w.pub, e, map[string]any{
		"event":     escrow.EventNeedsReview,
		"escrow_id": e.ID,
		"order_id":  e.OrderID,
		"tx_hash":   e.TxHash,
	})
	return nil
}

// confirmationDepth is chainHeight - txHeight + 1, floored at zero for pool
// transactions and heights the node hasn't caught up to.
func confirmationDepth(chainHeight, txHeight uint64) uint64 {
	if txHeight == 0 || chainHeight < txHeight {
		return 0
	}
	return chainHeight - txHeight + 1
}
