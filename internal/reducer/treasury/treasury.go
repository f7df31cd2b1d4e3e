// Package treasury owns the multi-sig proposal state machines: withdrawal
// proposals and admin-change proposals. Transitions are event-sourced from
// chain deliveries and only ever move forward; expiry is derived from block
// height on read, never written back.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/chainstate"
	"github.com/stxstream/ingest/internal/ingest/metrics"
	"github.com/stxstream/ingest/internal/infra/storage"
	"github.com/stxstream/ingest/internal/notify"
)

// Reducer applies treasury-family events.
type Reducer struct {
	proposals storage.ProposalRepository
	fees      storage.FeeRepository
	chain     chainstate.Reader
	notifier  notify.Notifier
	log       *slog.Logger
}

func New(proposals storage.ProposalRepository, fees storage.FeeRepository, chain chainstate.Reader, notifier notify.Notifier) *Reducer {
	return &Reducer{
		proposals: proposals,
		fees:      fees,
		chain:     chain,
		notifier:  notifier,
		log:       slog.Default(),
	}
}

// Apply applies one treasury event. It returns the journal row to persist,
// or nil when the event was a no-op (duplicate delivery, orphan approval,
// terminal-state proposal).
func (r *Reducer) Apply(ctx context.Context, evt domain.Event) (*domain.AppliedEvent, error) {
	switch p := evt.Payload.(type) {
	case domain.WithdrawalProposed:
		return r.applyWithdrawalProposed(ctx, evt, p)
	case domain.WithdrawalApproved:
		return r.applyWithdrawalApproved(ctx, evt, p)
	case domain.WithdrawalExecuted:
		return r.applyWithdrawalExecuted(ctx, evt, p)
	case domain.AdminChangeProposed:
		return r.applyAdminChangeProposed(ctx, evt, p)
	case domain.AdminChangeApproved:
		return r.applyAdminChangeApproved(ctx, evt, p)
	case domain.AdminChangeExecuted:
		return r.applyAdminChangeExecuted(ctx, evt, p)
	case domain.FeeCollected:
		return r.applyFeeCollected(ctx, evt, p)
	default:
		return nil, fmt.Errorf("treasury reducer cannot apply %s", evt.Kind())
	}
}

func (r *Reducer) applyWithdrawalProposed(ctx context.Context, evt domain.Event, p domain.WithdrawalProposed) (*domain.AppliedEvent, error) {
	proposal := &domain.WithdrawalProposal{
		ID:                     p.ProposalID,
		Proposer:               p.Proposer,
		Recipient:              p.Recipient,
		Amount:                 p.Amount,
		Description:            p.Description,
		Approvals:              []string{p.Proposer}, // proposer auto-approves
		Status:                 domain.ProposalPending,
		ProposedAtBlock:        evt.Ctx.BlockHeight,
		TimelockExpiresAtBlock: p.TimelockExpiresAtBlock,
		ExpiresAtBlock:         p.ExpiresAtBlock,
	}
	created, err := r.proposals.CreateWithdrawal(ctx, proposal, evt.Ctx.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to persist proposal %d: %w", p.ProposalID, err)
	}
	if !created {
		return nil, nil
	}

	cfg := r.chain.TreasuryConfig(ctx, evt.Ctx.ContractID)
	needed := cfg.Threshold - 1
	if needed < 0 {
		needed = 0
	}
	for _, admin := range cfg.Admins {
		r.notifier.Notify(ctx, admin, "treasury.withdrawal_proposed",
			fmt.Sprintf("Withdrawal proposal #%d", p.ProposalID),
			fmt.Sprintf("%s proposed withdrawing %d to %s. %d more approvals needed.",
				p.Proposer, p.Amount, p.Recipient, needed),
			map[string]string{"proposalId": strconv.FormatUint(p.ProposalID, 10)},
			notify.Options{
				Priority:   "high",
				ActionURL:  proposalURL(p.ProposalID),
				ActionText: "Review proposal",
			})
	}

	row := domain.JournalFor(evt)
	row.Meta["contract"] = evt.Ctx.ContractID
	return row, nil
}

func (r *Reducer) applyWithdrawalApproved(ctx context.Context, evt domain.Event, p domain.WithdrawalApproved) (*domain.AppliedEvent, error) {
	proposal, err := r.proposals.GetWithdrawal(ctx, p.ProposalID)
	if errors.Is(err, storage.ErrNotFound) {
		// Approval for a proposal we never saw (out-of-order or partial
		// earlier failure): dropped, never fatal.
		r.log.Warn("dropping approval for unknown proposal",
			"proposalId", p.ProposalID, "approver", p.Approver, "txHash", evt.Ctx.TxHash)
		metrics.EventsSkipped.WithLabelValues("orphan").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal %d: %w", p.ProposalID, err)
	}
	if proposal.EffectiveStatus(evt.Ctx.BlockHeight) != domain.ProposalPending {
		// Executed and expired are terminal.
		return nil, nil
	}

	added, count, err := r.proposals.AddApproval(ctx, p.ProposalID, p.Approver, evt.Ctx.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to record approval for proposal %d: %w", p.ProposalID, err)
	}
	if !added {
		// Re-approval by an existing approver never double-counts.
		return nil, nil
	}

	cfg := r.chain.TreasuryConfig(ctx, evt.Ctx.ContractID)
	if p.OnChainCount > 0 && p.OnChainCount != count {
		// The locally tracked set is authoritative; the contract's own
		// tally is only a cross-check.
		r.log.Warn("approval count mismatch between chain and local set",
			"proposalId", p.ProposalID, "onChain", p.OnChainCount, "local", count)
	}

	if count >= cfg.Threshold {
		r.notifier.Notify(ctx, proposal.Proposer, "treasury.withdrawal_ready",
			fmt.Sprintf("Proposal #%d ready to execute", p.ProposalID),
			fmt.Sprintf("Approval threshold reached (%d/%d). Execution unlocks at block %d.",
				count, cfg.Threshold, proposal.TimelockExpiresAtBlock),
			map[string]string{"proposalId": strconv.FormatUint(p.ProposalID, 10)},
			notify.Options{
				Priority:   "high",
				ActionURL:  proposalURL(p.ProposalID),
				ActionText: "Execute withdrawal",
			})
	} else {
		r.notifier.Notify(ctx, p.Approver, "treasury.approval_recorded",
			fmt.Sprintf("Approval recorded for proposal #%d", p.ProposalID),
			fmt.Sprintf("Your approval was recorded (%d/%d).", count, cfg.Threshold),
			map[string]string{"proposalId": strconv.FormatUint(p.ProposalID, 10)},
			notify.Options{})
	}

	return domain.JournalFor(evt), nil
}

func (r *Reducer) applyWithdrawalExecuted(ctx context.Context, evt domain.Event, p domain.WithdrawalExecuted) (*domain.AppliedEvent, error) {
	proposal, err := r.proposals.GetWithdrawal(ctx, p.ProposalID)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("dropping execution for unknown proposal", "proposalId", p.ProposalID)
		metrics.EventsSkipped.WithLabelValues("orphan").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal %d: %w", p.ProposalID, err)
	}

	cfg := r.chain.TreasuryConfig(ctx, evt.Ctx.ContractID)
	if !proposal.Executable(cfg.Threshold, evt.Ctx.BlockHeight) {
		// The chain event is authoritative: the contract executed it, so we
		// mirror it, but the local view disagreed (missed approvals, stale
		// threshold, or a timelock we computed differently).
		r.log.Warn("execution event for proposal the local view deems not executable",
			"proposalId", p.ProposalID, "approvals", len(proposal.Approvals),
			"threshold", cfg.Threshold, "timelockExpiresAt", proposal.TimelockExpiresAtBlock,
			"block", evt.Ctx.BlockHeight)
	}

	done, err := r.proposals.MarkExecuted(ctx, p.ProposalID, evt.Ctx.TxHash, evt.Ctx.BlockHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to mark proposal %d executed: %w", p.ProposalID, err)
	}
	if !done {
		// Already executed: duplicate delivery.
		return nil, nil
	}

	for _, admin := range cfg.Admins {
		r.notifier.Notify(ctx, admin, "treasury.withdrawal_executed",
			fmt.Sprintf("Withdrawal #%d executed", p.ProposalID),
			fmt.Sprintf("%d was sent to %s in transaction %s.", p.Amount, p.Recipient, evt.Ctx.TxHash),
			map[string]string{"proposalId": strconv.FormatUint(p.ProposalID, 10), "txHash": evt.Ctx.TxHash},
			notify.Options{ActionURL: proposalURL(p.ProposalID), ActionText: "View proposal"})
	}

	return domain.JournalFor(evt), nil
}

func (r *Reducer) applyAdminChangeProposed(ctx context.Context, evt domain.Event, p domain.AdminChangeProposed) (*domain.AppliedEvent, error) {
	cfg := r.chain.TreasuryConfig(ctx, evt.Ctx.ContractID)
	if p.Action == domain.AdminActionRemove && len(cfg.Admins) <= cfg.Threshold {
		// The contract enforces minimum quorum; a removal that would drop
		// the admin set below it should never have been emitted.
		r.log.Warn("rejecting admin removal below viable quorum",
			"proposalId", p.ProposalID, "target", p.TargetAdmin,
			"admins", len(cfg.Admins), "threshold", cfg.Threshold)
		metrics.EventsSkipped.WithLabelValues("quorum_guard").Inc()
		return nil, nil
	}

	proposal := &domain.AdminProposal{
		ID:              p.ProposalID,
		Proposer:        p.Proposer,
		Action:          p.Action,
		TargetAdmin:     p.TargetAdmin,
		Approvals:       []string{p.Proposer},
		ProposedAtBlock: evt.Ctx.BlockHeight,
		ExpiresAtBlock:  p.ExpiresAtBlock,
	}
	created, err := r.proposals.CreateAdmin(ctx, proposal, evt.Ctx.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to persist admin proposal %d: %w", p.ProposalID, err)
	}
	if !created {
		return nil, nil
	}

	for _, admin := range cfg.Admins {
		r.notifier.Notify(ctx, admin, "treasury.admin_change_proposed",
			fmt.Sprintf("Admin change proposal #%d", p.ProposalID),
			fmt.Sprintf("%s proposed to %s admin %s.", p.Proposer, p.Action, p.TargetAdmin),
			map[string]string{"proposalId": strconv.FormatUint(p.ProposalID, 10)},
			notify.Options{Priority: "high"})
	}

	row := domain.JournalFor(evt)
	row.Meta["contract"] = evt.Ctx.ContractID
	return row, nil
}

func (r *Reducer) applyAdminChangeApproved(ctx context.Context, evt domain.Event, p domain.AdminChangeApproved) (*domain.AppliedEvent, error) {
	proposal, err := r.proposals.GetAdmin(ctx, p.ProposalID)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("dropping approval for unknown admin proposal",
			"proposalId", p.ProposalID, "approver", p.Approver)
		metrics.EventsSkipped.WithLabelValues("orphan").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load admin proposal %d: %w", p.ProposalID, err)
	}
	if proposal.Executed {
		return nil, nil
	}

	added, count, err := r.proposals.AddAdminApproval(ctx, p.ProposalID, p.Approver, evt.Ctx.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to record admin approval for proposal %d: %w", p.ProposalID, err)
	}
	if !added {
		return nil, nil
	}

	cfg := r.chain.TreasuryConfig(ctx, evt.Ctx.ContractID)
	if count >= cfg.Threshold {
		r.notifier.Notify(ctx, proposal.Proposer, "treasury.admin_change_ready",
			fmt.Sprintf("Admin proposal #%d ready to execute", p.ProposalID),
			fmt.Sprintf("Approval threshold reached (%d/%d).", count, cfg.Threshold),
			map[string]string{"proposalId": strconv.FormatUint(p.ProposalID, 10)},
			notify.Options{Priority: "high"})
	}

	return domain.JournalFor(evt), nil
}

func (r *Reducer) applyAdminChangeExecuted(ctx context.Context, evt domain.Event, p domain.AdminChangeExecuted) (*domain.AppliedEvent, error) {
	done, err := r.proposals.MarkAdminExecuted(ctx, p.ProposalID, evt.Ctx.TxHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("dropping execution for unknown admin proposal", "proposalId", p.ProposalID)
			metrics.EventsSkipped.WithLabelValues("orphan").Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("failed to mark admin proposal %d executed: %w", p.ProposalID, err)
	}
	if !done {
		return nil, nil
	}

	// The admin set changed on chain; drop the cached view.
	r.chain.Invalidate(evt.Ctx.ContractID)

	row := domain.JournalFor(evt)
	row.Meta["contract"] = evt.Ctx.ContractID
	return row, nil
}

func (r *Reducer) applyFeeCollected(ctx context.Context, evt domain.Event, p domain.FeeCollected) (*domain.AppliedEvent, error) {
	created, err := r.fees.CreateFee(ctx, &domain.FeeRecord{
		TxHash:      evt.Ctx.TxHash,
		PaymentID:   p.PaymentID,
		Payer:       p.Payer,
		Amount:      p.Amount,
		BlockHeight: evt.Ctx.BlockHeight,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record fee: %w", err)
	}
	if !created {
		return nil, nil
	}
	return domain.JournalFor(evt), nil
}

// Revert undoes one journaled treasury application after a reorg removed
// its block. Idempotent per row.
func (r *Reducer) Revert(ctx context.Context, row *domain.AppliedEvent) error {
	switch row.Kind {
	case domain.KindWithdrawalProposed:
		id, err := parseID(row.EntityID)
		if err != nil {
			return err
		}
		return r.proposals.DeleteWithdrawal(ctx, id)
	case domain.KindWithdrawalApproved:
		id, err := parseID(row.EntityID)
		if err != nil {
			return err
		}
		return r.proposals.RemoveApprovalByTx(ctx, id, row.TxHash)
	case domain.KindWithdrawalExecuted:
		id, err := parseID(row.EntityID)
		if err != nil {
			return err
		}
		return r.proposals.ClearExecution(ctx, id, row.TxHash)
	case domain.KindAdminChangeProposed:
		id, err := parseID(row.EntityID)
		if err != nil {
			return err
		}
		return r.proposals.DeleteAdmin(ctx, id)
	case domain.KindAdminChangeApproved:
		id, err := parseID(row.EntityID)
		if err != nil {
			return err
		}
		return r.proposals.RemoveAdminApprovalByTx(ctx, id, row.TxHash)
	case domain.KindAdminChangeExecuted:
		id, err := parseID(row.EntityID)
		if err != nil {
			return err
		}
		if err := r.proposals.ClearAdminExecution(ctx, id, row.TxHash); err != nil {
			return err
		}
		if contract := row.Meta["contract"]; contract != "" {
			r.chain.Invalidate(contract)
		}
		return nil
	case domain.KindFeeCollected:
		return r.fees.DeleteFeeByTx(ctx, row.TxHash)
	default:
		return fmt.Errorf("treasury reducer cannot revert %s", row.Kind)
	}
}

// PendingProposals returns pending withdrawal proposals with height-based
// expiry folded in: anything past its expiry block is surfaced as expired
// without mutating stored state.
func (r *Reducer) PendingProposals(ctx context.Context) ([]*domain.WithdrawalProposal, error) {
	proposals, err := r.proposals.PendingWithdrawals(ctx)
	if err != nil {
		return nil, err
	}
	currentBlock := r.chain.BlockHeight(ctx)
	for _, p := range proposals {
		p.Status = p.EffectiveStatus(currentBlock)
	}
	return proposals, nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid proposal id %q: %w", s, err)
	}
	return id, nil
}

func proposalURL(id uint64) string {
	return "/treasury/proposals/" + strconv.FormatUint(id, 10)
}
