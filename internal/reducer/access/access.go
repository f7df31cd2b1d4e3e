// Package access applies access-control events. Admin membership is owned
// by the contract and mirrored here only through the chain-state cache, so
// applying a membership event means invalidating that cache and notifying
// the affected principal.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/chainstate"
	"github.com/stxstream/ingest/internal/notify"
)

// Reducer applies access-control-family events.
type Reducer struct {
	chain    chainstate.Reader
	notifier notify.Notifier
	log      *slog.Logger
}

func New(chain chainstate.Reader, notifier notify.Notifier) *Reducer {
	return &Reducer{
		chain:    chain,
		notifier: notifier,
		log:      slog.Default(),
	}
}

// Apply applies one access-control event. Every accepted event drops the
// cached admin view for its contract before anything reads it again.
func (r *Reducer) Apply(ctx context.Context, evt domain.Event) (*domain.AppliedEvent, error) {
	switch p := evt.Payload.(type) {
	case domain.AdminAdded:
		r.chain.Invalidate(evt.Ctx.ContractID)
		r.notifier.Notify(ctx, p.Admin, "access.admin_added",
			"You are now a treasury admin",
			fmt.Sprintf("%s added you to the admin set of %s.", p.AddedBy, evt.Ctx.ContractID),
			map[string]string{"contract": evt.Ctx.ContractID},
			notify.Options{Priority: "high"})

	case domain.AdminRemoved:
		r.chain.Invalidate(evt.Ctx.ContractID)
		r.notifier.Notify(ctx, p.Admin, "access.admin_removed",
			"Your treasury admin role was revoked",
			fmt.Sprintf("%s removed you from the admin set of %s.", p.RemovedBy, evt.Ctx.ContractID),
			map[string]string{"contract": evt.Ctx.ContractID},
			notify.Options{Priority: "high"})

	case domain.ThresholdUpdated:
		r.chain.Invalidate(evt.Ctx.ContractID)
		cfg := r.chain.TreasuryConfig(ctx, evt.Ctx.ContractID)
		for _, admin := range cfg.Admins {
			r.notifier.Notify(ctx, admin, "access.threshold_updated",
				"Approval threshold changed",
				fmt.Sprintf("The approval threshold moved from %d to %d.", p.OldThreshold, p.NewThreshold),
				map[string]string{
					"contract":     evt.Ctx.ContractID,
					"oldThreshold": strconv.Itoa(p.OldThreshold),
					"newThreshold": strconv.Itoa(p.NewThreshold),
				},
				notify.Options{})
		}

	default:
		return nil, fmt.Errorf("access reducer cannot apply %s", evt.Kind())
	}

	row := domain.JournalFor(evt)
	row.Meta["contract"] = evt.Ctx.ContractID
	return row, nil
}

// Revert undoes one journaled access-control application. There is no local
// state to restore; dropping the cached view is enough for the next read to
// refetch the pre-reorg membership.
func (r *Reducer) Revert(ctx context.Context, row *domain.AppliedEvent) error {
	switch row.Kind {
	case domain.KindAdminAdded, domain.KindAdminRemoved, domain.KindThresholdUpdated:
		if contract := row.Meta["contract"]; contract != "" {
			r.chain.Invalidate(contract)
		}
		return nil
	default:
		return fmt.Errorf("access reducer cannot revert %s", row.Kind)
	}
}
