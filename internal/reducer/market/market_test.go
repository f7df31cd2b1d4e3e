package market

import (
	"context"
	"testing"
	"time"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/chainstate"
	"github.com/stxstream/ingest/internal/infra/storage/memory"
	"github.com/stxstream/ingest/internal/notify"
)

// =============================================================================
// Mocks
// =============================================================================

type stubChain struct {
	height uint64
}

func (s *stubChain) TreasuryConfig(ctx context.Context, contractID string) chainstate.TreasuryConfig {
	return chainstate.TreasuryConfig{}
}
func (s *stubChain) BlockHeight(ctx context.Context) uint64 { return s.height }
func (s *stubChain) ObserveHeight(height uint64)            {}
func (s *stubChain) Invalidate(contractID string)           {}

type recordNotifier struct {
	kinds []string
}

func (r *recordNotifier) Notify(ctx context.Context, principal, kind, title, body string, metadata map[string]string, opts notify.Options) {
	r.kinds = append(r.kinds, kind)
}

// =============================================================================
// Helpers
// =============================================================================

func evt(txHash string, height uint64, p domain.Payload) domain.Event {
	return domain.Event{
		Ctx: domain.EventContext{
			TxHash:      txHash,
			BlockHeight: height,
			BlockHash:   "block-" + txHash,
			Timestamp:   1700000000,
			ContractID:  "SP1.marketplace",
		},
		Payload: p,
	}
}

func newTestEngine(height uint64) (*Engine, *memory.Store, *stubChain) {
	store := memory.NewStore()
	chain := &stubChain{height: height}
	return New(store, chain, &recordNotifier{}), store, chain
}

func seedStreamAndListing(t *testing.T, e *Engine) {
	t.Helper()
	mustApply(t, e, evt("tx-create", 100, domain.StreamCreated{
		StreamID: 1, Sender: "payer", Recipient: "seller", Amount: 10000,
		StartBlock: 50, EndBlock: 500,
	}))
	mustApply(t, e, evt("tx-list", 101, domain.StreamListed{StreamID: 1, Seller: "seller", Price: 9000}))
}

// =============================================================================
// Tests
// =============================================================================

func TestPurchaseLifecycleCompleted(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(110)
	seedStreamAndListing(t, e)

	mustApply(t, e, evt("tx-init", 102, domain.PurchaseInitiated{
		PaymentID: "pay-1", StreamID: 1, Buyer: "buyer", Seller: "seller", ExpiresAt: 1700003600,
	}))
	l, _ := store.GetListing(ctx, 1)
	if l.Status != domain.ListingStatusPendingPayment {
		t.Fatalf("expected listing held, got %s", l.Status)
	}

	mustApply(t, e, evt("tx-done", 103, domain.GatewayPurchaseCompleted{
		PaymentID: "pay-1", StreamID: 1, Buyer: "buyer", Price: 9000,
	}))
	l, _ = store.GetListing(ctx, 1)
	if l.Status != domain.ListingStatusSold {
		t.Fatalf("expected listing sold, got %s", l.Status)
	}
	p, _ := store.GetPurchase(ctx, "pay-1")
	if p.Status != domain.PurchaseStatusCompleted {
		t.Fatalf("expected purchase completed, got %s", p.Status)
	}

	// Duplicate completion (the direct variant of the same payment) no-ops.
	row, err := e.Apply(ctx, evt("tx-dup", 104, domain.DirectPurchaseCompleted{PaymentID: "pay-1", StreamID: 1, Buyer: "buyer"}))
	if err != nil || row != nil {
		t.Fatalf("duplicate completion should be a no-op, row=%v err=%v", row, err)
	}
}

func TestPurchaseExpiryReactivatesListing(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(110)
	seedStreamAndListing(t, e)

	mustApply(t, e, evt("tx-init", 102, domain.PurchaseInitiated{
		PaymentID: "pay-1", StreamID: 1, Buyer: "buyer", Seller: "seller", ExpiresAt: 1700003600,
	}))
	mustApply(t, e, evt("tx-exp", 103, domain.PurchaseExpired{PaymentID: "pay-1", StreamID: 1}))

	l, _ := store.GetListing(ctx, 1)
	if l.Status != domain.ListingStatusActive {
		t.Fatalf("expected listing back on market, got %s", l.Status)
	}
	p, _ := store.GetPurchase(ctx, "pay-1")
	if p.Status != domain.PurchaseStatusExpired {
		t.Fatalf("expected purchase expired, got %s", p.Status)
	}
}

func TestStreamEndCancelsActiveListing(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(110)
	seedStreamAndListing(t, e)

	row := mustApply(t, e, evt("tx-cancel", 105, domain.StreamCancelled{StreamID: 1}))
	if row.Meta[metaPrevStreamStatus] != string(domain.StreamStatusActive) {
		t.Fatalf("expected prior status in meta, got %v", row.Meta)
	}
	if row.Meta[metaListingCancelled] != "true" {
		t.Fatalf("expected listing cancellation recorded in meta, got %v", row.Meta)
	}

	l, _ := store.GetListing(ctx, 1)
	if l.Status != domain.ListingStatusCancelled || l.CancelledReason != domain.ReasonStreamCancelled {
		t.Fatalf("expected cancelled/%s, got %s/%s", domain.ReasonStreamCancelled, l.Status, l.CancelledReason)
	}

	// Revert restores both the stream status and the listing.
	if err := e.Revert(ctx, row); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	st, _ := store.GetStream(ctx, 1)
	if st.Status != domain.StreamStatusActive {
		t.Fatalf("expected stream restored to active, got %s", st.Status)
	}
	l, _ = store.GetListing(ctx, 1)
	if l.Status != domain.ListingStatusActive {
		t.Fatalf("expected listing restored, got %s", l.Status)
	}
}

func TestActiveListingsReconcilesDeadStreams(t *testing.T) {
	ctx := context.Background()
	e, store, chain := newTestEngine(110)

	// Listing 1: stream cancelled behind the listing's back.
	mustApply(t, e, evt("tx-c1", 100, domain.StreamCreated{StreamID: 1, Sender: "a", Recipient: "s1", Amount: 100, StartBlock: 50, EndBlock: 500}))
	mustApply(t, e, evt("tx-l1", 101, domain.StreamListed{StreamID: 1, Seller: "s1", Price: 90}))
	if _, err := store.SetStreamStatus(ctx, 1, domain.StreamStatusActive, domain.StreamStatusCancelled); err != nil {
		t.Fatal(err)
	}

	// Listing 2: stream period ended.
	mustApply(t, e, evt("tx-c2", 100, domain.StreamCreated{StreamID: 2, Sender: "a", Recipient: "s2", Amount: 100, StartBlock: 50, EndBlock: 105}))
	mustApply(t, e, evt("tx-l2", 101, domain.StreamListed{StreamID: 2, Seller: "s2", Price: 90}))

	// Listing 3: healthy.
	mustApply(t, e, evt("tx-c3", 100, domain.StreamCreated{StreamID: 3, Sender: "a", Recipient: "s3", Amount: 100, StartBlock: 50, EndBlock: 500}))
	mustApply(t, e, evt("tx-l3", 101, domain.StreamListed{StreamID: 3, Seller: "s3", Price: 90}))

	chain.height = 110
	live, err := e.ActiveListings(ctx)
	if err != nil {
		t.Fatalf("ActiveListings failed: %v", err)
	}
	if len(live) != 1 || live[0].StreamID != 3 {
		t.Fatalf("expected only listing 3 live, got %+v", live)
	}

	l1, _ := store.GetListing(ctx, 1)
	if l1.Status != domain.ListingStatusCancelled || l1.CancelledReason != domain.ReasonStreamCancelled {
		t.Fatalf("listing 1: expected cancelled/%s, got %s/%s", domain.ReasonStreamCancelled, l1.Status, l1.CancelledReason)
	}
	l2, _ := store.GetListing(ctx, 2)
	if l2.Status != domain.ListingStatusCancelled || l2.CancelledReason != domain.ReasonStreamPeriodEnded {
		t.Fatalf("listing 2: expected cancelled/%s, got %s/%s", domain.ReasonStreamPeriodEnded, l2.Status, l2.CancelledReason)
	}
}

func TestActiveListingsReleasesLapsedPurchaseWindow(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(110)
	now := time.Now().Unix()

	// Listing 1: held by a purchase window that lapsed without completion.
	mustApply(t, e, evt("tx-c1", 100, domain.StreamCreated{StreamID: 1, Sender: "a", Recipient: "s1", Amount: 100, StartBlock: 50, EndBlock: 500}))
	mustApply(t, e, evt("tx-l1", 101, domain.StreamListed{StreamID: 1, Seller: "s1", Price: 90}))
	mustApply(t, e, evt("tx-p1", 102, domain.PurchaseInitiated{
		PaymentID: "pay-1", StreamID: 1, Buyer: "buyer", Seller: "s1", ExpiresAt: now - 60,
	}))

	// Listing 2: held by a window that is still open.
	mustApply(t, e, evt("tx-c2", 100, domain.StreamCreated{StreamID: 2, Sender: "a", Recipient: "s2", Amount: 100, StartBlock: 50, EndBlock: 500}))
	mustApply(t, e, evt("tx-l2", 101, domain.StreamListed{StreamID: 2, Seller: "s2", Price: 90}))
	mustApply(t, e, evt("tx-p2", 102, domain.PurchaseInitiated{
		PaymentID: "pay-2", StreamID: 2, Buyer: "buyer", Seller: "s2", ExpiresAt: now + 3600,
	}))

	live, err := e.ActiveListings(ctx)
	if err != nil {
		t.Fatalf("ActiveListings failed: %v", err)
	}
	if len(live) != 1 || live[0].StreamID != 1 {
		t.Fatalf("expected only the lapsed-window listing live, got %+v", live)
	}
	if live[0].Status != domain.ListingStatusActive {
		t.Fatalf("expected surfaced listing active, got %s", live[0].Status)
	}

	// The stored rows are untouched: the purchase-expired event is what
	// persists the release.
	l1, _ := store.GetListing(ctx, 1)
	if l1.Status != domain.ListingStatusPendingPayment {
		t.Fatalf("expected stored listing still held, got %s", l1.Status)
	}
	p1, _ := store.GetPurchase(ctx, "pay-1")
	if p1.Status != domain.PurchaseStatusPending {
		t.Fatalf("expected stored purchase still pending, got %s", p1.Status)
	}

	mustApply(t, e, evt("tx-exp", 103, domain.PurchaseExpired{PaymentID: "pay-1", StreamID: 1}))
	l1, _ = store.GetListing(ctx, 1)
	if l1.Status != domain.ListingStatusActive {
		t.Fatalf("expected release persisted by the expiry event, got %s", l1.Status)
	}
}

func TestOrphanListingEventDropped(t *testing.T) {
	e, _, _ := newTestEngine(110)

	row, err := e.Apply(context.Background(), evt("tx-x", 100, domain.ListingCancelled{StreamID: 42, Seller: "nobody"}))
	if err != nil {
		t.Fatalf("orphan cancellation must not be fatal: %v", err)
	}
	if row != nil {
		t.Fatal("orphan cancellation must not be journaled")
	}
}

func TestRevertPurchaseInitiated(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(110)
	seedStreamAndListing(t, e)

	row := mustApply(t, e, evt("tx-init", 102, domain.PurchaseInitiated{
		PaymentID: "pay-1", StreamID: 1, Buyer: "buyer", Seller: "seller", ExpiresAt: 1700003600,
	}))

	if err := e.Revert(ctx, row); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	if _, err := store.GetPurchase(ctx, "pay-1"); err == nil {
		t.Fatal("expected pending purchase removed")
	}
	l, _ := store.GetListing(ctx, 1)
	if l.Status != domain.ListingStatusActive {
		t.Fatalf("expected listing released, got %s", l.Status)
	}
}

func TestStreamWithdrawnAndRevert(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(110)
	seedStreamAndListing(t, e)

	row := mustApply(t, e, evt("tx-w", 103, domain.StreamWithdrawn{StreamID: 1, Recipient: "seller", Amount: 400}))
	st, _ := store.GetStream(ctx, 1)
	if st.Withdrawn != 400 {
		t.Fatalf("expected withdrawn 400, got %d", st.Withdrawn)
	}

	if err := e.Revert(ctx, row); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	st, _ = store.GetStream(ctx, 1)
	if st.Withdrawn != 0 {
		t.Fatalf("expected withdrawal reverted, got %d", st.Withdrawn)
	}
}

func TestVestingMath(t *testing.T) {
	s := &domain.Stream{Amount: 1000, StartBlock: 100, EndBlock: 200}

	cases := []struct {
		block uint64
		want  uint64
	}{
		{90, 0},
		{100, 0},
		{150, 500},
		{200, 1000},
		{250, 1000},
	}
	for _, c := range cases {
		if got := s.Vested(c.block); got != c.want {
			t.Errorf("Vested(%d) = %d, want %d", c.block, got, c.want)
		}
	}
}

func mustApply(t *testing.T, e *Engine, ev domain.Event) *domain.AppliedEvent {
	t.Helper()
	row, err := e.Apply(context.Background(), ev)
	if err != nil {
		t.Fatalf("apply %s failed: %v", ev.Kind(), err)
	}
	if row == nil {
		t.Fatalf("apply %s was unexpectedly a no-op", ev.Kind())
	}
	return row
}
