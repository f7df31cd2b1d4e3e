package access

import (
	"context"
	"testing"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/chainstate"
	"github.com/stxstream/ingest/internal/notify"
)

type stubChain struct {
	cfg         chainstate.TreasuryConfig
	invalidated []string
}

func (s *stubChain) TreasuryConfig(ctx context.Context, contractID string) chainstate.TreasuryConfig {
	return s.cfg
}
func (s *stubChain) BlockHeight(ctx context.Context) uint64 { return 100 }
func (s *stubChain) ObserveHeight(height uint64)            {}
func (s *stubChain) Invalidate(contractID string) {
	s.invalidated = append(s.invalidated, contractID)
}

type recordNotifier struct {
	principals []string
}

func (r *recordNotifier) Notify(ctx context.Context, principal, kind, title, body string, metadata map[string]string, opts notify.Options) {
	r.principals = append(r.principals, principal)
}

func evt(p domain.Payload) domain.Event {
	return domain.Event{
		Ctx: domain.EventContext{
			TxHash: "tx1", BlockHeight: 100, BlockHash: "b1",
			ContractID: "SP1.access",
		},
		Payload: p,
	}
}

func TestMembershipEventsInvalidateCache(t *testing.T) {
	ctx := context.Background()
	chain := &stubChain{}
	notifier := &recordNotifier{}
	r := New(chain, notifier)

	row, err := r.Apply(ctx, evt(domain.AdminAdded{Admin: "erin", AddedBy: "alice"}))
	if err != nil || row == nil {
		t.Fatalf("apply failed: row=%v err=%v", row, err)
	}
	if row.Meta["contract"] != "SP1.access" {
		t.Fatalf("expected contract in meta, got %v", row.Meta)
	}
	if len(chain.invalidated) != 1 || chain.invalidated[0] != "SP1.access" {
		t.Fatalf("expected cache invalidation, got %v", chain.invalidated)
	}
	if len(notifier.principals) != 1 || notifier.principals[0] != "erin" {
		t.Fatalf("expected target admin notified, got %v", notifier.principals)
	}

	mustApply(t, r, evt(domain.AdminRemoved{Admin: "erin", RemovedBy: "alice"}))
	if len(chain.invalidated) != 2 {
		t.Fatalf("expected second invalidation, got %v", chain.invalidated)
	}
}

func TestThresholdUpdateNotifiesAllAdmins(t *testing.T) {
	chain := &stubChain{cfg: chainstate.TreasuryConfig{Admins: []string{"alice", "bob"}, Threshold: 2}}
	notifier := &recordNotifier{}
	r := New(chain, notifier)

	mustApply(t, r, evt(domain.ThresholdUpdated{OldThreshold: 2, NewThreshold: 3}))
	if len(notifier.principals) != 2 {
		t.Fatalf("expected every admin notified, got %v", notifier.principals)
	}
}

func TestRevertInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	chain := &stubChain{}
	r := New(chain, notify.NopNotifier{})

	row := mustApply(t, r, evt(domain.AdminAdded{Admin: "erin", AddedBy: "alice"}))
	chain.invalidated = nil

	if err := r.Revert(ctx, row); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	if len(chain.invalidated) != 1 {
		t.Fatalf("expected invalidation on revert, got %v", chain.invalidated)
	}
}

func mustApply(t *testing.T, r *Reducer, e domain.Event) *domain.AppliedEvent {
	t.Helper()
	row, err := r.Apply(context.Background(), e)
	if err != nil || row == nil {
		t.Fatalf("apply %s failed: row=%v err=%v", e.Kind(), row, err)
	}
	return row
}
