package dispute

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/triadpay/escrowd/internal/escrow"
	"github.com/triadpay/escrowd/internal/walletrpc"
)

// fakeBroadcaster answers describe/submit calls with scripted values.
type fakeBroadcaster struct {
	mu        sync.Mutex
	digest    string
	txHash    string
	submitErr error
	submits   int
}

func (f *fakeBroadcaster) DescribeTransfer(ctx context.Context, unsignedTxSet string) (walletrpc.TransferDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return walletrpc.TransferDescription{Digest: f.digest, Destination: "9xDest", AmountAtomic: 1_000_000_000_000}, nil
}

func (f *fakeBroadcaster) SubmitMultisig(ctx context.Context, signedTxSet string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits++
	return f.txHash, nil
}

// casFailStore wraps the memory store and fails a set number of status
// swaps, standing in for a transition the watcher won concurrently.
type casFailStore struct {
	*escrow.MemoryStore
	mu    sync.Mutex
	fails int
}

func (s *casFailStore) CompareAndSwapStatus(ctx context.Context, id string, from, to escrow.Status, version int64) (*escrow.Escrow, error) {
	s.mu.Lock()
	fail := s.fails > 0
	if fail {
		s.fails--
	}
	s.mu.Unlock()
	if fail {
		return nil, escrow.ErrConcurrentModification
	}
	return s.MemoryStore.CompareAndSwapStatus(ctx, id, from, to, version)
}

func (s *casFailStore) failNext(n int) {
	s.mu.Lock()
	s.fails = n
	s.mu.Unlock()
}

type nopPub struct{}

func (nopPub) Publish(channel string, event any) {}

type participant struct {
	userID string
	role   string
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
}

func newParticipant(t *testing.T, userID, role string) participant {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return participant{userID: userID, role: role, pub: pub, priv: priv}
}

func (p participant) sign(resolution, escrowID, digest string) SignatureEntry {
	sig := ed25519.Sign(p.priv, SigningMessage(resolution, escrowID, digest))
	return SignatureEntry{
		Participant: p.role,
		PublicKey:   hex.EncodeToString(p.pub),
		Signature:   hex.EncodeToString(sig),
	}
}

type fixture struct {
	coord    *Coordinator
	escrows  escrow.Store
	disputes *MemoryStore
	rpc      *fakeBroadcaster
	keys     *MemoryKeyDirectory

	buyer   participant
	vendor  participant
	arbiter participant
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, escrow.NewMemoryStore())
}

func newFixtureWith(t *testing.T, escrows escrow.Store) *fixture {
	t.Helper()
	pub := nopPub{}
	sm := escrow.NewStateMachine(escrows, pub)
	rpc := &fakeBroadcaster{digest: "dgst_abc", txHash: "settle_tx_1"}
	keys := NewMemoryKeyDirectory()
	disputes := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := NewCoordinator(disputes, escrows, sm, rpc, keys, pub, logger)

	f := &fixture{
		coord:    coord,
		escrows:  escrows,
		disputes: disputes,
		rpc:      rpc,
		keys:     keys,
		buyer:    newParticipant(t, "buyer-1", "buyer"),
		vendor:   newParticipant(t, "vendor-1", "vendor"),
		arbiter:  newParticipant(t, "arbiter-1", "arbiter"),
	}
	ctx := context.Background()
	for _, p := range []participant{f.buyer, f.vendor, f.arbiter} {
		if err := keys.RegisterKey(ctx, p.userID, p.pub); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *fixture) createEscrow(t *testing.T, id string, status escrow.Status) *escrow.Escrow {
	t.Helper()
	now := time.Now()
	e := &escrow.Escrow{
		ID:              id,
		OrderID:         "ord_" + id,
		BuyerID:         "buyer-1",
		VendorID:        "vendor-1",
		ArbiterID:       "arbiter-1",
		MultisigAddress: "9xAddr_" + id,
		Status:          status,
		Phase:           escrow.PhaseFinalized,
		AmountAtomic:    1_000_000_000_000,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := f.escrows.Create(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func (f *fixture) settlement(resolution, escrowID string, sigs ...SignatureEntry) SettlementRequest {
	return SettlementRequest{
		Resolution:    resolution,
		UnsignedTxSet: "unsigned_txset_hex",
		SignedTxSet:   "signed_txset_hex",
		Signatures:    sigs,
	}
}

func TestOpen_FreezesEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)

	d, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived after three weeks")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusOpen {
		t.Errorf("dispute status = %s", d.Status)
	}

	got, _ := f.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusDisputed {
		t.Errorf("escrow status = %s, want disputed", got.Status)
	}
}

func TestOpen_RejectsShortDescription(t *testing.T) {
	f := newFixture(t)
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)

	_, err := f.coord.Open(context.Background(), e.ID, "buyer-1", "item_not_received", "bad")
	if !errors.Is(err, ErrIllegalDisputeState) {
		t.Errorf("expected rejection, got %v", err)
	}
}

func TestOpen_IllegalFromCreated(t *testing.T) {
	f := newFixture(t)
	e := f.createEscrow(t, "esc_1", escrow.StatusCreated)

	_, err := f.coord.Open(context.Background(), e.ID, "buyer-1", "cold_feet", "changed my mind about this order")
	if !errors.Is(err, ErrIllegalDisputeState) {
		t.Errorf("expected ErrIllegalDisputeState, got %v", err)
	}
}

func TestOpen_DuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)

	if _, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived"); err != nil {
		t.Fatal(err)
	}
	_, err := f.coord.Open(ctx, e.ID, "vendor-1", "buyer_unresponsive", "cannot reach the buyer at all")
	if !errors.Is(err, ErrDisputeExists) && !errors.Is(err, ErrIllegalDisputeState) {
		t.Errorf("second open: got %v", err)
	}
}

func TestOpen_RetriesLostFreeze(t *testing.T) {
	store := &casFailStore{MemoryStore: escrow.NewMemoryStore(), fails: 1}
	f := newFixtureWith(t, store)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)

	// The first swap loses to a concurrent transition; the reload sees the
	// escrow still disputable and the open goes through.
	d, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived after three weeks")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusOpen {
		t.Errorf("dispute status = %s", d.Status)
	}

	got, _ := f.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusDisputed {
		t.Errorf("escrow status = %s, want disputed", got.Status)
	}
}

func TestOpen_LostFreezeLeavesNoOrphan(t *testing.T) {
	store := &casFailStore{MemoryStore: escrow.NewMemoryStore(), fails: 10}
	f := newFixtureWith(t, store)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)

	_, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived after three weeks")
	if !errors.Is(err, escrow.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	// A failed open must not leave a dispute row behind.
	if _, err := f.coord.Get(ctx, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("orphan dispute after failed open: %v", err)
	}
	got, _ := f.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusActive {
		t.Errorf("escrow status = %s, want active", got.Status)
	}

	// A later retry succeeds once the store cooperates.
	store.failNext(0)
	if _, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived after three weeks"); err != nil {
		t.Fatalf("retry after lost race: %v", err)
	}
}

func TestResolve_TwoValidSignatures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)
	if _, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived"); err != nil {
		t.Fatal(err)
	}

	req := f.settlement(ResolutionRefundToBuyer, e.ID,
		f.buyer.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
		f.arbiter.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
	)
	d, err := f.coord.Resolve(ctx, e.ID, req)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusResolved || d.Resolution != ResolutionRefundToBuyer {
		t.Errorf("dispute = %s/%s", d.Status, d.Resolution)
	}
	if d.TxHash != "settle_tx_1" {
		t.Errorf("tx hash = %q", d.TxHash)
	}

	got, _ := f.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusRefunded {
		t.Errorf("escrow status = %s, want refunded", got.Status)
	}
	if f.rpc.submits != 1 {
		t.Errorf("submitted %d times, want 1", f.rpc.submits)
	}
}

func TestResolve_OneValidOneInvalidRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)
	if _, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived"); err != nil {
		t.Fatal(err)
	}

	// Vendor signs with a key that was never registered.
	impostor := newParticipant(t, "vendor-1", "vendor")
	req := f.settlement(ResolutionReleaseToVendor, e.ID,
		f.arbiter.sign(ResolutionReleaseToVendor, e.ID, f.rpc.digest),
		impostor.sign(ResolutionReleaseToVendor, e.ID, f.rpc.digest),
	)
	_, err := f.coord.Resolve(ctx, e.ID, req)
	if !errors.Is(err, ErrInvalidSignatureQuorum) {
		t.Fatalf("expected quorum error, got %v", err)
	}
	if f.rpc.submits != 0 {
		t.Errorf("nothing should have been broadcast, submits = %d", f.rpc.submits)
	}

	got, _ := f.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusDisputed {
		t.Errorf("escrow moved to %s on a rejected settlement", got.Status)
	}
}

func TestResolve_MismatchedDigestRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)
	if _, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived"); err != nil {
		t.Fatal(err)
	}

	// Both signatures cover a different transaction digest than the one the
	// wallet derives from the submitted unsigned set.
	req := f.settlement(ResolutionReleaseToVendor, e.ID,
		f.vendor.sign(ResolutionReleaseToVendor, e.ID, "dgst_other"),
		f.arbiter.sign(ResolutionReleaseToVendor, e.ID, "dgst_other"),
	)
	_, err := f.coord.Resolve(ctx, e.ID, req)
	if !errors.Is(err, ErrInvalidSignatureQuorum) {
		t.Fatalf("expected quorum error, got %v", err)
	}
}

func TestResolve_SameParticipantTwiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)
	if _, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived"); err != nil {
		t.Fatal(err)
	}

	// Two copies of one participant's signature are one vote, not two.
	req := f.settlement(ResolutionRefundToBuyer, e.ID,
		f.buyer.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
		f.buyer.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
	)
	_, err := f.coord.Resolve(ctx, e.ID, req)
	if !errors.Is(err, ErrInvalidSignatureQuorum) {
		t.Fatalf("expected quorum error, got %v", err)
	}
}

func TestResolve_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)
	if _, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived"); err != nil {
		t.Fatal(err)
	}

	req := f.settlement(ResolutionRefundToBuyer, e.ID,
		f.buyer.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
		f.arbiter.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
	)
	if _, err := f.coord.Resolve(ctx, e.ID, req); err != nil {
		t.Fatal(err)
	}
	_, err := f.coord.Resolve(ctx, e.ID, req)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second resolve: got %v", err)
	}
	if f.rpc.submits != 1 {
		t.Errorf("submitted %d times, want exactly 1", f.rpc.submits)
	}
}

func TestResolve_LostRaceNothingBroadcast(t *testing.T) {
	store := &casFailStore{MemoryStore: escrow.NewMemoryStore()}
	f := newFixtureWith(t, store)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)
	if _, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived"); err != nil {
		t.Fatal(err)
	}

	// The status swap loses to a concurrent writer mid-resolve.
	store.failNext(1)
	req := f.settlement(ResolutionRefundToBuyer, e.ID,
		f.buyer.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
		f.arbiter.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
	)
	_, err := f.coord.Resolve(ctx, e.ID, req)
	if !errors.Is(err, escrow.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if f.rpc.submits != 0 {
		t.Errorf("broadcast went out on a lost race, submits = %d", f.rpc.submits)
	}

	got, _ := f.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusDisputed {
		t.Errorf("escrow status = %s, want disputed", got.Status)
	}
	d, _ := f.coord.Get(ctx, e.ID)
	if d.Status != StatusOpen {
		t.Errorf("dispute status = %s, want open", d.Status)
	}
}

func TestResolve_UnfrozenEscrowRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)

	// A dispute row without the matching frozen escrow must not settle.
	if err := f.disputes.Create(ctx, &Dispute{
		ID:        "dsp_stray",
		EscrowID:  e.ID,
		OrderID:   e.OrderID,
		OpenedBy:  "buyer-1",
		Status:    StatusOpen,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	req := f.settlement(ResolutionRefundToBuyer, e.ID,
		f.buyer.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
		f.arbiter.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
	)
	_, err := f.coord.Resolve(ctx, e.ID, req)
	if !errors.Is(err, ErrIllegalDisputeState) {
		t.Fatalf("expected ErrIllegalDisputeState, got %v", err)
	}
	if f.rpc.submits != 0 {
		t.Errorf("broadcast went out for an unfrozen escrow, submits = %d", f.rpc.submits)
	}

	got, _ := f.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusActive {
		t.Errorf("escrow status = %s, want active", got.Status)
	}
}

func TestResolve_BroadcastFailureFlagsReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)
	if _, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived"); err != nil {
		t.Fatal(err)
	}

	f.rpc.submitErr = walletrpc.ErrRPCUnavailable
	req := f.settlement(ResolutionRefundToBuyer, e.ID,
		f.buyer.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
		f.arbiter.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
	)
	_, err := f.coord.Resolve(ctx, e.ID, req)
	if !errors.Is(err, walletrpc.ErrRPCUnavailable) {
		t.Fatalf("expected broadcast error, got %v", err)
	}

	got, _ := f.escrows.Get(ctx, e.ID)
	if !got.NeedsReview {
		t.Error("escrow not flagged for review after broadcast failure")
	}
	d, _ := f.coord.Get(ctx, e.ID)
	if d.Status != StatusOpen {
		t.Errorf("dispute status = %s, want open pending operator action", d.Status)
	}
}

func TestRelease_UndisputedQuorum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)

	req := f.settlement(ResolutionReleaseToVendor, e.ID,
		f.buyer.sign(ResolutionReleaseToVendor, e.ID, f.rpc.digest),
		f.vendor.sign(ResolutionReleaseToVendor, e.ID, f.rpc.digest),
	)
	updated, txHash, err := f.coord.Release(ctx, e.ID, req)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != escrow.StatusReleased {
		t.Errorf("status = %s", updated.Status)
	}
	if txHash != "settle_tx_1" {
		t.Errorf("tx hash = %q", txHash)
	}
}

func TestRelease_RefundNotAllowed(t *testing.T) {
	f := newFixture(t)
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)

	req := f.settlement(ResolutionRefundToBuyer, e.ID,
		f.buyer.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
		f.arbiter.sign(ResolutionRefundToBuyer, e.ID, f.rpc.digest),
	)
	_, _, err := f.coord.Release(context.Background(), e.ID, req)
	if !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}
}

func TestRelease_IllegalBeforeActive(t *testing.T) {
	f := newFixture(t)
	e := f.createEscrow(t, "esc_1", escrow.StatusAwaitingFunding)

	req := f.settlement(ResolutionReleaseToVendor, e.ID,
		f.buyer.sign(ResolutionReleaseToVendor, e.ID, f.rpc.digest),
		f.vendor.sign(ResolutionReleaseToVendor, e.ID, f.rpc.digest),
	)
	_, _, err := f.coord.Release(context.Background(), e.ID, req)
	if !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if f.rpc.submits != 0 {
		t.Errorf("nothing should have been broadcast, submits = %d", f.rpc.submits)
	}
}

func TestAddMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)
	if _, err := f.coord.Open(ctx, e.ID, "buyer-1", "item_not_received", "package never arrived"); err != nil {
		t.Fatal(err)
	}

	msg, err := f.coord.AddMessage(ctx, e.ID, "vendor-1", "tracking shows delivered on the 12th")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" {
		t.Error("message id not assigned")
	}

	d, err := f.coord.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Messages) != 1 || d.Messages[0].Author != "vendor-1" {
		t.Errorf("messages = %+v", d.Messages)
	}
}

func TestAddMessage_NoDispute(t *testing.T) {
	f := newFixture(t)
	e := f.createEscrow(t, "esc_1", escrow.StatusActive)

	_, err := f.coord.AddMessage(context.Background(), e.ID, "vendor-1", "hello")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
