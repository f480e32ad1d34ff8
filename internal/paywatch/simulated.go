package paywatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/triadpay/escrowd/internal/walletrpc"
)

// SimulatedLedger is a development-only chain view that funds every address it
// is asked about. Each GetHeight call advances the chain one block, so
// confirmations climb with every watcher cycle and escrows walk the full
// funded path without a wallet node.
type SimulatedLedger struct {
	mu     sync.Mutex
	height uint64
	seen   map[string]uint64 // address -> height of the simulated deposit
}

// NewSimulatedLedger creates a simulated ledger starting at the given height.
func NewSimulatedLedger(startHeight uint64) *SimulatedLedger {
	return &SimulatedLedger{
		height: startHeight,
		seen:   make(map[string]uint64),
	}
}

func (s *SimulatedLedger) GetHeight(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height++
	return s.height, nil
}

// simulatedAmount comfortably covers any escrow amount.
const simulatedAmount = int64(1) << 62

func (s *SimulatedLedger) GetTransfers(ctx context.Context, address string) ([]walletrpc.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	height, ok := s.seen[address]
	if !ok {
		height = s.height
		s.seen[address] = height
	}
	sum := sha256.Sum256([]byte(address))
	return []walletrpc.Transfer{{
		TxHash:       "sim_" + hex.EncodeToString(sum[:16]),
		Address:      address,
		AmountAtomic: simulatedAmount,
		Height:       height,
	}}, nil
}

var _ walletrpc.LedgerReader = (*SimulatedLedger)(nil)
