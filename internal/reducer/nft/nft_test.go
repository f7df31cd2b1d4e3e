package nft

import (
	"context"
	"testing"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/storage/memory"
	"github.com/stxstream/ingest/internal/notify"
)

func evt(txHash string, p domain.Payload) domain.Event {
	return domain.Event{
		Ctx: domain.EventContext{
			TxHash: txHash, BlockHeight: 100, BlockHash: "b-" + txHash,
			ContractID: "SP1.stream-nft",
		},
		Payload: p,
	}
}

func newTestReducer(t *testing.T) (*Reducer, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return New(store, store, notify.NopNotifier{}), store
}

func TestMintAndTransfer(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReducer(t)

	mustApply(t, r, evt("tx1", domain.ObligationMinted{TokenID: 9, StreamID: 1, Owner: "payer"}))
	o, err := store.GetOwnership(ctx, domain.TokenObligation, 9)
	if err != nil || o.Owner != "payer" {
		t.Fatalf("mint not mirrored: %+v err=%v", o, err)
	}

	row := mustApply(t, r, evt("tx2", domain.ObligationTransferred{TokenID: 9, StreamID: 1, From: "payer", To: "factor"}))
	if row.Meta[metaPrevOwner] != "payer" {
		t.Fatalf("expected prior owner in meta, got %v", row.Meta)
	}
	o, _ = store.GetOwnership(ctx, domain.TokenObligation, 9)
	if o.Owner != "factor" {
		t.Fatalf("transfer not applied, owner=%s", o.Owner)
	}

	// Revert restores the prior owner.
	if err := r.Revert(ctx, row); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	o, _ = store.GetOwnership(ctx, domain.TokenObligation, 9)
	if o.Owner != "payer" {
		t.Fatalf("revert did not restore owner, got %s", o.Owner)
	}
}

func TestRecipientTransferRetargetsStream(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReducer(t)

	if _, err := store.CreateStream(ctx, &domain.Stream{
		ID: 1, Sender: "payer", Recipient: "alice", Amount: 1000,
		StartBlock: 50, EndBlock: 500, Status: domain.StreamStatusActive,
	}); err != nil {
		t.Fatal(err)
	}
	mustApply(t, r, evt("tx1", domain.RecipientMinted{TokenID: 4, StreamID: 1, Owner: "alice"}))

	row := mustApply(t, r, evt("tx2", domain.RecipientTransferred{TokenID: 4, StreamID: 1, From: "alice", To: "bob"}))
	if row.Meta[metaPrevRecipient] != "alice" {
		t.Fatalf("expected prior recipient in meta, got %v", row.Meta)
	}
	st, _ := store.GetStream(ctx, 1)
	if st.Recipient != "bob" {
		t.Fatalf("stream recipient must follow the token, got %s", st.Recipient)
	}

	if err := r.Revert(ctx, row); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	st, _ = store.GetStream(ctx, 1)
	if st.Recipient != "alice" {
		t.Fatalf("revert did not restore recipient, got %s", st.Recipient)
	}
	o, _ := store.GetOwnership(ctx, domain.TokenRecipient, 4)
	if o.Owner != "alice" {
		t.Fatalf("revert did not restore token owner, got %s", o.Owner)
	}
}

func TestMintRevertDeletesOwnership(t *testing.T) {
	ctx := context.Background()
	r, store := newTestReducer(t)

	row := mustApply(t, r, evt("tx1", domain.RecipientMinted{TokenID: 4, StreamID: 1, Owner: "alice"}))
	if err := r.Revert(ctx, row); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	if _, err := store.GetOwnership(ctx, domain.TokenRecipient, 4); err == nil {
		t.Fatal("expected ownership row removed")
	}
}

func TestTransferOfUnknownTokenDropped(t *testing.T) {
	r, _ := newTestReducer(t)

	row, err := r.Apply(context.Background(), evt("tx1", domain.ObligationTransferred{TokenID: 99, From: "a", To: "b"}))
	if err != nil {
		t.Fatalf("orphan transfer must not be fatal: %v", err)
	}
	if row != nil {
		t.Fatal("orphan transfer must not be journaled")
	}
}

func mustApply(t *testing.T, r *Reducer, e domain.Event) *domain.AppliedEvent {
	t.Helper()
	row, err := r.Apply(context.Background(), e)
	if err != nil {
		t.Fatalf("apply %s failed: %v", e.Kind(), err)
	}
	if row == nil {
		t.Fatalf("apply %s was unexpectedly a no-op", e.Kind())
	}
	return row
}
