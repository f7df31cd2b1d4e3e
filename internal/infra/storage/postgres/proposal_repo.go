package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/storage"
)

// ProposalRepo implements storage.ProposalRepository using PostgreSQL.
// Approvals live in side tables keyed (proposal_id, approver) with the
// recording tx hash, so set semantics and per-tx rollback both come from
// the schema rather than read-modify-write.
type ProposalRepo struct {
	db *DB
}

func NewProposalRepo(db *DB) *ProposalRepo {
	return &ProposalRepo{db: db}
}

func (r *ProposalRepo) CreateWithdrawal(ctx context.Context, p *domain.WithdrawalProposal, txHash string) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO withdrawal_proposals (
			id, proposer, recipient, amount, description, status,
			proposed_at_block, timelock_expires_at_block, expires_at_block, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.Proposer, p.Recipient, p.Amount, p.Description, string(p.Status),
		p.ProposedAtBlock, p.TimelockExpiresAtBlock, p.ExpiresAtBlock)
	if err != nil {
		return false, fmt.Errorf("failed to create withdrawal proposal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, tx.Commit()
	}

	for _, approver := range p.Approvals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO withdrawal_approvals (proposal_id, approver, tx_hash, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (proposal_id, approver) DO NOTHING
		`, p.ID, approver, txHash); err != nil {
			return false, fmt.Errorf("failed to seed approval: %w", err)
		}
	}
	return true, tx.Commit()
}

func (r *ProposalRepo) GetWithdrawal(ctx context.Context, id uint64) (*domain.WithdrawalProposal, error) {
	var p domain.WithdrawalProposal
	err := r.db.GetContext(ctx, &p, `
		SELECT id, proposer, recipient, amount, description, status,
		       proposed_at_block, timelock_expires_at_block, expires_at_block,
		       executed_at_block, executed_tx_hash
		FROM withdrawal_proposals WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal proposal: %w", err)
	}

	var approvals pq.StringArray
	err = r.db.GetContext(ctx, &approvals, `
		SELECT COALESCE(array_agg(approver ORDER BY created_at, approver), '{}')
		FROM withdrawal_approvals WHERE proposal_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get approvals: %w", err)
	}
	p.Approvals = approvals
	return &p, nil
}

func (r *ProposalRepo) PendingWithdrawals(ctx context.Context) ([]*domain.WithdrawalProposal, error) {
	var ids []uint64
	if err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM withdrawal_proposals WHERE status = 'pending' ORDER BY id
	`); err != nil {
		return nil, fmt.Errorf("failed to list pending proposals: %w", err)
	}
	out := make([]*domain.WithdrawalProposal, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetWithdrawal(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *ProposalRepo) AddApproval(ctx context.Context, id uint64, approver, txHash string) (bool, int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	// Lock the proposal row so concurrent approvals serialize: exactly one
	// of them observes the count crossing the threshold.
	var locked uint64
	err = tx.GetContext(ctx, &locked, `SELECT id FROM withdrawal_proposals WHERE id = $1 FOR UPDATE`, id)
	if isNoRows(err) {
		return false, 0, storage.ErrNotFound
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to lock proposal: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO withdrawal_approvals (proposal_id, approver, tx_hash, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (proposal_id, approver) DO NOTHING
	`, id, approver, txHash)
	if err != nil {
		return false, 0, fmt.Errorf("failed to add approval: %w", err)
	}
	n, _ := res.RowsAffected()

	var count int
	if err := tx.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM withdrawal_approvals WHERE proposal_id = $1
	`, id); err != nil {
		return false, 0, fmt.Errorf("failed to count approvals: %w", err)
	}
	return n > 0, count, tx.Commit()
}

func (r *ProposalRepo) RemoveApprovalByTx(ctx context.Context, id uint64, txHash string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM withdrawal_approvals WHERE proposal_id = $1 AND tx_hash = $2
	`, id, txHash)
	if err != nil {
		return fmt.Errorf("failed to remove approval: %w", err)
	}
	return nil
}

func (r *ProposalRepo) MarkExecuted(ctx context.Context, id uint64, txHash string, blockHeight uint64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE withdrawal_proposals
		SET status = 'executed', executed_tx_hash = $2, executed_at_block = $3
		WHERE id = $1 AND status = 'pending'
	`, id, txHash, blockHeight)
	if err != nil {
		return false, fmt.Errorf("failed to mark executed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *ProposalRepo) ClearExecution(ctx context.Context, id uint64, txHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE withdrawal_proposals
		SET status = 'pending', executed_tx_hash = '', executed_at_block = 0
		WHERE id = $1 AND executed_tx_hash = $2
	`, id, txHash)
	if err != nil {
		return fmt.Errorf("failed to clear execution: %w", err)
	}
	return nil
}

func (r *ProposalRepo) DeleteWithdrawal(ctx context.Context, id uint64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM withdrawal_approvals WHERE proposal_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete approvals: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM withdrawal_proposals WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete proposal: %w", err)
	}
	return tx.Commit()
}

func (r *ProposalRepo) CreateAdmin(ctx context.Context, p *domain.AdminProposal, txHash string) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO admin_proposals (
			id, proposer, action, target_admin, executed,
			proposed_at_block, expires_at_block, created_at
		) VALUES ($1, $2, $3, $4, FALSE, $5, $6, NOW())
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.Proposer, string(p.Action), p.TargetAdmin, p.ProposedAtBlock, p.ExpiresAtBlock)
	if err != nil {
		return false, fmt.Errorf("failed to create admin proposal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, tx.Commit()
	}
	for _, approver := range p.Approvals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO admin_approvals (proposal_id, approver, tx_hash, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (proposal_id, approver) DO NOTHING
		`, p.ID, approver, txHash); err != nil {
			return false, fmt.Errorf("failed to seed admin approval: %w", err)
		}
	}
	return true, tx.Commit()
}

func (r *ProposalRepo) GetAdmin(ctx context.Context, id uint64) (*domain.AdminProposal, error) {
	var p domain.AdminProposal
	err := r.db.GetContext(ctx, &p, `
		SELECT id, proposer, action, target_admin, executed,
		       proposed_at_block, expires_at_block, executed_tx_hash
		FROM admin_proposals WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get admin proposal: %w", err)
	}

	var approvals pq.StringArray
	err = r.db.GetContext(ctx, &approvals, `
		SELECT COALESCE(array_agg(approver ORDER BY created_at, approver), '{}')
		FROM admin_approvals WHERE proposal_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get admin approvals: %w", err)
	}
	p.Approvals = approvals
	return &p, nil
}

func (r *ProposalRepo) AddAdminApproval(ctx context.Context, id uint64, approver, txHash string) (bool, int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	var locked uint64
	err = tx.GetContext(ctx, &locked, `SELECT id FROM admin_proposals WHERE id = $1 FOR UPDATE`, id)
	if isNoRows(err) {
		return false, 0, storage.ErrNotFound
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to lock admin proposal: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO admin_approvals (proposal_id, approver, tx_hash, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (proposal_id, approver) DO NOTHING
	`, id, approver, txHash)
	if err != nil {
		return false, 0, fmt.Errorf("failed to add admin approval: %w", err)
	}
	n, _ := res.RowsAffected()

	var count int
	if err := tx.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM admin_approvals WHERE proposal_id = $1
	`, id); err != nil {
		return false, 0, fmt.Errorf("failed to count admin approvals: %w", err)
	}
	return n > 0, count, tx.Commit()
}

func (r *ProposalRepo) RemoveAdminApprovalByTx(ctx context.Context, id uint64, txHash string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM admin_approvals WHERE proposal_id = $1 AND tx_hash = $2
	`, id, txHash)
	if err != nil {
		return fmt.Errorf("failed to remove admin approval: %w", err)
	}
	return nil
}

func (r *ProposalRepo) MarkAdminExecuted(ctx context.Context, id uint64, txHash string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE admin_proposals SET executed = TRUE, executed_tx_hash = $2
		WHERE id = $1 AND executed = FALSE
	`, id, txHash)
	if err != nil {
		return false, fmt.Errorf("failed to mark admin executed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *ProposalRepo) ClearAdminExecution(ctx context.Context, id uint64, txHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE admin_proposals SET executed = FALSE, executed_tx_hash = ''
		WHERE id = $1 AND executed_tx_hash = $2
	`, id, txHash)
	if err != nil {
		return fmt.Errorf("failed to clear admin execution: %w", err)
	}
	return nil
}

func (r *ProposalRepo) DeleteAdmin(ctx context.Context, id uint64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM admin_approvals WHERE proposal_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete admin approvals: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM admin_proposals WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete admin proposal: %w", err)
	}
	return tx.Commit()
}
