package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/chainstate"
	"github.com/stxstream/ingest/internal/infra/storage/memory"
)

// =============================================================================
// Mocks
// =============================================================================

type stubReducer struct {
	applied  []string
	reverted []string
	failOn   string
}

func (s *stubReducer) Apply(ctx context.Context, evt domain.Event) (*domain.AppliedEvent, error) {
	_, id := evt.Payload.EntityRef()
	if id == s.failOn {
		return nil, errors.New("boom")
	}
	s.applied = append(s.applied, id)
	return domain.JournalFor(evt), nil
}

func (s *stubReducer) Revert(ctx context.Context, row *domain.AppliedEvent) error {
	s.reverted = append(s.reverted, row.EntityID)
	return nil
}

type stubChain struct {
	observed []uint64
}

func (s *stubChain) TreasuryConfig(ctx context.Context, contractID string) chainstate.TreasuryConfig {
	return chainstate.TreasuryConfig{}
}
func (s *stubChain) BlockHeight(ctx context.Context) uint64 { return 0 }
func (s *stubChain) ObserveHeight(height uint64)            { s.observed = append(s.observed, height) }
func (s *stubChain) Invalidate(contractID string)           {}

// =============================================================================
// Fixtures
// =============================================================================

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// feeEvent builds a fee-collected raw event; its journal entity id is the
// payment id, which keeps assertions on ordering readable.
func feeEvent(t *testing.T, paymentID string) domain.RawEvent {
	t.Helper()
	return domain.RawEvent{
		ContractID: "SP1.treasury",
		Data: map[string]json.RawMessage{
			"event":     mustJSON(t, "fee-collected"),
			"paymentId": mustJSON(t, paymentID),
			"payer":     mustJSON(t, "SP2.payer"),
			"amount":    mustJSON(t, 25),
		},
	}
}

func txOf(hash string, events ...domain.RawEvent) domain.Transaction {
	return domain.Transaction{TxHash: hash, Success: true, Events: events}
}

func blockOf(index uint64, hash string, txs ...domain.Transaction) domain.Block {
	return domain.Block{Index: index, Hash: hash, Timestamp: 1700000000, Transactions: txs}
}

func newTestProcessor(fail string) (*Processor, *stubReducer, *memory.Store, *stubChain) {
	store := memory.NewStore()
	reducer := &stubReducer{failOn: fail}
	chain := &stubChain{}
	reducers := map[domain.Family]Reducer{
		domain.FamilyTreasury:    reducer,
		domain.FamilyMarketplace: reducer,
	}
	return NewProcessor(reducers, store, nil, chain), reducer, store, chain
}

// =============================================================================
// Tests
// =============================================================================

func TestProcessDeliveryAppliesAscendingByHeight(t *testing.T) {
	p, reducer, _, chain := newTestProcessor("")

	// Blocks arrive out of order; application must follow chain order.
	payload := domain.InboundPayload{Apply: []domain.Block{
		blockOf(102, "b102", txOf("t3", feeEvent(t, "pay-3"))),
		blockOf(100, "b100", txOf("t1", feeEvent(t, "pay-1"))),
		blockOf(101, "b101", txOf("t2", feeEvent(t, "pay-2"))),
	}}
	res := p.ProcessDelivery(context.Background(), payload)

	if res.Processed != 3 || len(res.Errors) != 0 {
		t.Fatalf("expected 3 processed, got %+v", res)
	}
	want := []string{"pay-1", "pay-2", "pay-3"}
	for i, id := range want {
		if reducer.applied[i] != id {
			t.Fatalf("apply order %v, want %v", reducer.applied, want)
		}
	}
	if len(chain.observed) != 3 || chain.observed[2] != 102 {
		t.Fatalf("expected heights observed in order, got %v", chain.observed)
	}
}

func TestReplayedDeliveryIsIdempotent(t *testing.T) {
	p, reducer, _, _ := newTestProcessor("")
	payload := domain.InboundPayload{Apply: []domain.Block{
		blockOf(100, "b100", txOf("t1", feeEvent(t, "pay-1"), feeEvent(t, "pay-2"))),
	}}

	first := p.ProcessDelivery(context.Background(), payload)
	second := p.ProcessDelivery(context.Background(), payload)

	if first.Processed != 2 {
		t.Fatalf("first delivery: expected 2 processed, got %+v", first)
	}
	if second.Processed != 0 || len(second.Errors) != 0 {
		t.Fatalf("replay must be a clean no-op, got %+v", second)
	}
	if len(reducer.applied) != 2 {
		t.Fatalf("reducer must not re-apply on replay, applied=%v", reducer.applied)
	}
}

func TestPartialFailureDoesNotAbortDelivery(t *testing.T) {
	p, _, _, _ := newTestProcessor("pay-3")
	payload := domain.InboundPayload{Apply: []domain.Block{
		blockOf(100, "b100", txOf("t1",
			feeEvent(t, "pay-1"), feeEvent(t, "pay-2"), feeEvent(t, "pay-3"),
			feeEvent(t, "pay-4"), feeEvent(t, "pay-5"))),
	}}

	res := p.ProcessDelivery(context.Background(), payload)
	if res.Processed != 4 {
		t.Fatalf("expected 4 processed, got %d", res.Processed)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "boom") {
		t.Fatalf("expected one failure recorded, got %v", res.Errors)
	}

	// The failed event was never journaled, so a retry applies it.
	retry := p.ProcessDelivery(context.Background(), domain.InboundPayload{Apply: []domain.Block{
		blockOf(100, "b100", txOf("t1", feeEvent(t, "pay-1"), feeEvent(t, "pay-3"))),
	}})
	if retry.Processed != 0 || len(retry.Errors) != 1 {
		t.Fatalf("retry should re-fail only the failed event, got %+v", retry)
	}
}

func TestUndecodableEventIsReportedAndSkipped(t *testing.T) {
	p, _, _, _ := newTestProcessor("")
	bad := domain.RawEvent{
		ContractID: "SP1.treasury",
		Data:       map[string]json.RawMessage{"event": mustJSON(t, "mystery-kind")},
	}
	res := p.ProcessDelivery(context.Background(), domain.InboundPayload{Apply: []domain.Block{
		blockOf(100, "b100", txOf("t1", bad, feeEvent(t, "pay-1"))),
	}})

	if res.Processed != 1 {
		t.Fatalf("known event must still apply, got %+v", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "unknown event kind") {
		t.Fatalf("expected decode error recorded, got %v", res.Errors)
	}
}

func TestDeliveryDeadlineReturnsPartialResult(t *testing.T) {
	p, _, _, _ := newTestProcessor("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.ProcessDelivery(ctx, domain.InboundPayload{Apply: []domain.Block{
		blockOf(100, "b100", txOf("t1", feeEvent(t, "pay-1"))),
	}})
	if res.Processed != 0 {
		t.Fatalf("expected nothing processed under expired deadline, got %+v", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "deadline") {
		t.Fatalf("expected deadline error, got %v", res.Errors)
	}
}

func TestRollbackRevertsInReverseOrderAndAllowsReapply(t *testing.T) {
	p, reducer, store, _ := newTestProcessor("")
	apply := domain.InboundPayload{Apply: []domain.Block{
		blockOf(100, "b100", txOf("t1", feeEvent(t, "pay-1"), feeEvent(t, "pay-2"))),
	}}
	p.ProcessDelivery(context.Background(), apply)

	res := p.ProcessDelivery(context.Background(), domain.InboundPayload{
		Rollback: []domain.Block{blockOf(100, "b100")},
	})
	if len(res.Errors) != 0 {
		t.Fatalf("rollback failed: %v", res.Errors)
	}
	if len(reducer.reverted) != 2 || reducer.reverted[0] != "pay-2" || reducer.reverted[1] != "pay-1" {
		t.Fatalf("expected LIFO revert order, got %v", reducer.reverted)
	}
	rows, _ := store.ByBlockHash(context.Background(), "b100")
	if len(rows) != 0 {
		t.Fatalf("journal rows must be deleted after rollback, got %d", len(rows))
	}

	// The new canonical branch can re-apply the same transactions.
	again := p.ProcessDelivery(context.Background(), apply)
	if again.Processed != 2 {
		t.Fatalf("re-apply after rollback should process again, got %+v", again)
	}
}

func TestRollbackFallsBackToHeightWhenHashUnknown(t *testing.T) {
	p, reducer, store, _ := newTestProcessor("")
	p.ProcessDelivery(context.Background(), domain.InboundPayload{Apply: []domain.Block{
		blockOf(100, "b100", txOf("t1", feeEvent(t, "pay-1"), feeEvent(t, "pay-2"))),
	}})

	// The notifier describes the orphaned block under a hash we never
	// journaled; the rows at that height still belong to it.
	res := p.ProcessDelivery(context.Background(), domain.InboundPayload{
		Rollback: []domain.Block{blockOf(100, "b100-other-encoding")},
	})
	if len(res.Errors) != 0 {
		t.Fatalf("rollback failed: %v", res.Errors)
	}
	if len(reducer.reverted) != 2 {
		t.Fatalf("expected both effects reverted via height fallback, got %v", reducer.reverted)
	}
	rows, _ := store.ByBlockHeight(context.Background(), 100)
	if len(rows) != 0 {
		t.Fatalf("journal rows must be deleted after rollback, got %d", len(rows))
	}
}

func TestRollbackOfUnknownBlockIsNoop(t *testing.T) {
	p, reducer, _, _ := newTestProcessor("")

	res := p.ProcessDelivery(context.Background(), domain.InboundPayload{
		Rollback: []domain.Block{blockOf(500, "never-applied")},
	})
	if len(res.Errors) != 0 {
		t.Fatalf("rollback of unseen block must be clean, got %v", res.Errors)
	}
	if len(reducer.reverted) != 0 {
		t.Fatalf("nothing should be reverted, got %v", reducer.reverted)
	}
}

func TestReorgRollsBackBeforeApplying(t *testing.T) {
	p, reducer, _, _ := newTestProcessor("")
	p.ProcessDelivery(context.Background(), domain.InboundPayload{Apply: []domain.Block{
		blockOf(100, "orphaned", txOf("t1", feeEvent(t, "pay-old"))),
	}})

	// One delivery carrying both sides of the reorg.
	res := p.ProcessDelivery(context.Background(), domain.InboundPayload{
		Rollback: []domain.Block{blockOf(100, "orphaned")},
		Apply:    []domain.Block{blockOf(100, "canonical", txOf("t2", feeEvent(t, "pay-new")))},
	})
	if res.Processed != 1 || len(res.Errors) != 0 {
		t.Fatalf("reorg delivery failed: %+v", res)
	}
	if len(reducer.reverted) != 1 || reducer.reverted[0] != "pay-old" {
		t.Fatalf("expected orphaned effects reverted first, got %v", reducer.reverted)
	}
	if reducer.applied[len(reducer.applied)-1] != "pay-new" {
		t.Fatalf("expected canonical branch applied after rollback, got %v", reducer.applied)
	}
}
