package extract

import (
	"encoding/json"
	"testing"

	"github.com/stxstream/ingest/internal/core/domain"
)

func raw(t *testing.T, contract string, fields map[string]any) domain.RawEvent {
	t.Helper()
	data := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		data[k] = b
	}
	return domain.RawEvent{ContractID: contract, Data: data}
}

func extractOne(t *testing.T, fields map[string]any) domain.Event {
	t.Helper()
	x := New()
	block := domain.Block{Index: 100, Hash: "b100", Timestamp: 1700000000}
	tx := domain.Transaction{TxHash: "t1", Success: true, Events: []domain.RawEvent{raw(t, "SP1.contract", fields)}}

	events, errs := x.Extract(block, tx)
	if len(errs) != 0 {
		t.Fatalf("unexpected decode errors: %v", errs)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	return events[0]
}

func TestFailedTransactionYieldsNothing(t *testing.T) {
	x := New()
	tx := domain.Transaction{
		TxHash: "t1", Success: false,
		Events: []domain.RawEvent{raw(t, "SP1.c", map[string]any{"event": "fee-collected", "paymentId": "p", "amount": 1})},
	}
	events, errs := x.Extract(domain.Block{Index: 100}, tx)
	if len(events) != 0 || len(errs) != 0 {
		t.Fatalf("failed tx must be silent, got %d events %d errors", len(events), len(errs))
	}
}

func TestExtractStampsChainLineage(t *testing.T) {
	evt := extractOne(t, map[string]any{
		"event": "stream-cancelled", "streamId": 7,
	})
	if evt.Ctx.TxHash != "t1" || evt.Ctx.BlockHeight != 100 || evt.Ctx.BlockHash != "b100" {
		t.Fatalf("lineage not stamped: %+v", evt.Ctx)
	}
	if evt.Ctx.ContractID != "SP1.contract" {
		t.Fatalf("contract not stamped: %q", evt.Ctx.ContractID)
	}
	if evt.Family() != domain.FamilyMarketplace {
		t.Fatalf("wrong family: %s", evt.Family())
	}
}

func TestWithdrawalProposedDefaults(t *testing.T) {
	evt := extractOne(t, map[string]any{
		"event": "withdrawal-proposed", "proposalId": 7,
		"proposer": "alice", "recipient": "SP2.vendor", "amount": 5000,
	})
	p, ok := evt.Payload.(domain.WithdrawalProposed)
	if !ok {
		t.Fatalf("wrong payload type %T", evt.Payload)
	}
	if p.TimelockExpiresAtBlock != 100+DefaultTimelockBlocks {
		t.Fatalf("expected default timelock, got %d", p.TimelockExpiresAtBlock)
	}
	if p.ExpiresAtBlock != 100+DefaultExpiryBlocks {
		t.Fatalf("expected default expiry, got %d", p.ExpiresAtBlock)
	}
}

func TestPurchaseInitiatedDefaultWindow(t *testing.T) {
	evt := extractOne(t, map[string]any{
		"event": "purchase-initiated", "paymentId": "pay-1",
		"streamId": 3, "buyer": "bob", "seller": "alice",
	})
	p := evt.Payload.(domain.PurchaseInitiated)
	if p.ExpiresAt != 1700000000+DefaultPurchaseWindowSecs {
		t.Fatalf("expected default purchase window, got %d", p.ExpiresAt)
	}
}

func TestUnknownKindIsErrorNotFatal(t *testing.T) {
	x := New()
	tx := domain.Transaction{TxHash: "t1", Success: true, Events: []domain.RawEvent{
		raw(t, "SP1.c", map[string]any{"event": "shiny-new-thing"}),
		raw(t, "SP1.c", map[string]any{"event": "stream-completed", "streamId": 4}),
	}}
	events, errs := x.Extract(domain.Block{Index: 100, Hash: "b"}, tx)
	if len(errs) != 1 {
		t.Fatalf("expected 1 decode error, got %v", errs)
	}
	if len(events) != 1 || events[0].Kind() != domain.KindStreamCompleted {
		t.Fatalf("known sibling event must still decode, got %v", events)
	}
}

func TestMalformedKnownKindIsError(t *testing.T) {
	x := New()
	// stream-created without sender/recipient and with an inverted range.
	tx := domain.Transaction{TxHash: "t1", Success: true, Events: []domain.RawEvent{
		raw(t, "SP1.c", map[string]any{"event": "stream-created", "streamId": 1, "startBlock": 200, "endBlock": 100}),
	}}
	events, errs := x.Extract(domain.Block{Index: 100}, tx)
	if len(events) != 0 || len(errs) != 1 {
		t.Fatalf("expected field validation failure, got %d events %v", len(events), errs)
	}
}

func TestDecodeCoversAllFamilies(t *testing.T) {
	cases := []struct {
		fields map[string]any
		kind   domain.EventKind
	}{
		{map[string]any{"event": "withdrawal-approved", "proposalId": 1, "approver": "bob", "approvals": 2}, domain.KindWithdrawalApproved},
		{map[string]any{"event": "withdrawal-executed", "proposalId": 1, "recipient": "SP2.v", "amount": 10}, domain.KindWithdrawalExecuted},
		{map[string]any{"event": "admin-change-proposed", "proposalId": 2, "proposer": "alice", "action": "add", "targetAdmin": "erin"}, domain.KindAdminChangeProposed},
		{map[string]any{"event": "stream-listed", "streamId": 1, "seller": "alice", "price": 100}, domain.KindStreamListed},
		{map[string]any{"event": "gateway-purchase-completed", "paymentId": "p", "streamId": 1, "buyer": "bob"}, domain.KindGatewayPurchaseCompleted},
		{map[string]any{"event": "admin-added", "admin": "erin", "addedBy": "alice"}, domain.KindAdminAdded},
		{map[string]any{"event": "threshold-updated", "oldThreshold": 2, "newThreshold": 3}, domain.KindThresholdUpdated},
		{map[string]any{"event": "obligation-minted", "tokenId": 9, "streamId": 1, "owner": "payer"}, domain.KindObligationMinted},
		{map[string]any{"event": "recipient-transferred", "tokenId": 9, "streamId": 1, "from": "a", "to": "b"}, domain.KindRecipientTransferred},
	}
	for _, c := range cases {
		evt := extractOne(t, c.fields)
		if evt.Kind() != c.kind {
			t.Errorf("decoded %s, want %s", evt.Kind(), c.kind)
		}
	}
}
