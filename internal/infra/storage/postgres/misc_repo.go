package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/storage"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// FeeRepo implements storage.FeeRepository.
type FeeRepo struct {
	db *DB
}

func NewFeeRepo(db *DB) *FeeRepo {
	return &FeeRepo{db: db}
}

func (r *FeeRepo) CreateFee(ctx context.Context, f *domain.FeeRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO fee_records (tx_hash, payment_id, payer, amount, block_height, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tx_hash) DO NOTHING
	`, f.TxHash, f.PaymentID, f.Payer, f.Amount, f.BlockHeight)
	if err != nil {
		return false, fmt.Errorf("failed to create fee record: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *FeeRepo) DeleteFeeByTx(ctx context.Context, txHash string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM fee_records WHERE tx_hash = $1`, txHash); err != nil {
		return fmt.Errorf("failed to delete fee record: %w", err)
	}
	return nil
}

// NFTRepo implements storage.NFTRepository.
type NFTRepo struct {
	db *DB
}

func NewNFTRepo(db *DB) *NFTRepo {
	return &NFTRepo{db: db}
}

func (r *NFTRepo) UpsertOwnership(ctx context.Context, o *domain.NFTOwnership) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nft_ownership (class, token_id, stream_id, owner)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (class, token_id) DO UPDATE SET owner = EXCLUDED.owner
	`, string(o.Class), o.TokenID, o.StreamID, o.Owner)
	if err != nil {
		return fmt.Errorf("failed to upsert nft ownership: %w", err)
	}
	return nil
}

func (r *NFTRepo) GetOwnership(ctx context.Context, class domain.TokenClass, tokenID uint64) (*domain.NFTOwnership, error) {
	var o domain.NFTOwnership
	err := r.db.GetContext(ctx, &o, `
		SELECT class, token_id, stream_id, owner
		FROM nft_ownership WHERE class = $1 AND token_id = $2
	`, string(class), tokenID)
	if isNoRows(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get nft ownership: %w", err)
	}
	return &o, nil
}

func (r *NFTRepo) SetOwner(ctx context.Context, class domain.TokenClass, tokenID uint64, owner string) (string, error) {
	var prev string
	err := r.db.GetContext(ctx, &prev, `
		UPDATE nft_ownership n SET owner = $3
		FROM (SELECT owner AS prev FROM nft_ownership WHERE class = $1 AND token_id = $2 FOR UPDATE) old
		WHERE n.class = $1 AND n.token_id = $2
		RETURNING old.prev
	`, string(class), tokenID, owner)
	if isNoRows(err) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to set nft owner: %w", err)
	}
	return prev, nil
}

func (r *NFTRepo) DeleteOwnership(ctx context.Context, class domain.TokenClass, tokenID uint64) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM nft_ownership WHERE class = $1 AND token_id = $2
	`, string(class), tokenID); err != nil {
		return fmt.Errorf("failed to delete nft ownership: %w", err)
	}
	return nil
}
