package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/storage"
)

// MarketRepo implements storage.MarketRepository using PostgreSQL. Status
// transitions are guarded UPDATEs (WHERE status = expected) so concurrent
// deliveries serialize per entity at the row level.
type MarketRepo struct {
	db *DB
}

func NewMarketRepo(db *DB) *MarketRepo {
	return &MarketRepo{db: db}
}

func (r *MarketRepo) CreateStream(ctx context.Context, s *domain.Stream) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO streams (id, sender, recipient, amount, start_block, end_block, withdrawn, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.Sender, s.Recipient, s.Amount, s.StartBlock, s.EndBlock, s.Withdrawn, string(s.Status))
	if err != nil {
		return false, fmt.Errorf("failed to create stream: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *MarketRepo) GetStream(ctx context.Context, id uint64) (*domain.Stream, error) {
	var s domain.Stream
	err := r.db.GetContext(ctx, &s, `
		SELECT id, sender, recipient, amount, start_block, end_block, withdrawn, status
		FROM streams WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return &s, nil
}

func (r *MarketRepo) SetStreamStatus(ctx context.Context, id uint64, from, to domain.StreamStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE streams SET status = $3 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to update stream status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM streams WHERE id = $1)`, id); err != nil {
			return false, err
		}
		if !exists {
			return false, storage.ErrNotFound
		}
	}
	return n > 0, nil
}

func (r *MarketRepo) AddStreamWithdrawal(ctx context.Context, id uint64, delta int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE streams SET withdrawn = GREATEST(0, withdrawn + $2) WHERE id = $1
	`, id, delta)
	if err != nil {
		return fmt.Errorf("failed to update stream withdrawal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *MarketRepo) SetStreamRecipient(ctx context.Context, id uint64, recipient string) (string, error) {
	var prev string
	err := r.db.GetContext(ctx, &prev, `
		UPDATE streams s SET recipient = $2
		FROM (SELECT recipient AS prev FROM streams WHERE id = $1 FOR UPDATE) old
		WHERE s.id = $1
		RETURNING old.prev
	`, id, recipient)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to set stream recipient: %w", err)
	}
	return prev, nil
}

func (r *MarketRepo) DeleteStream(ctx context.Context, id uint64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM streams WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}
	return nil
}

func (r *MarketRepo) CreateListing(ctx context.Context, l *domain.Listing) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO listings (stream_id, seller, price, status, listed_at, listed_at_block, cancelled_reason)
		VALUES ($1, $2, $3, $4, $5, $6, '')
		ON CONFLICT (stream_id) DO UPDATE SET
			seller = EXCLUDED.seller,
			price = EXCLUDED.price,
			status = EXCLUDED.status,
			listed_at = EXCLUDED.listed_at,
			listed_at_block = EXCLUDED.listed_at_block,
			cancelled_reason = ''
		WHERE listings.status IN ('cancelled', 'sold')
	`, l.StreamID, l.Seller, l.Price, string(l.Status), l.ListedAt, l.ListedAtBlock)
	if err != nil {
		return false, fmt.Errorf("failed to create listing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *MarketRepo) GetListing(ctx context.Context, streamID uint64) (*domain.Listing, error) {
	var l domain.Listing
	err := r.db.GetContext(ctx, &l, `
		SELECT stream_id, seller, price, status, listed_at, listed_at_block, cancelled_reason
		FROM listings WHERE stream_id = $1
	`, streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return &l, nil
}

func (r *MarketRepo) SetListingStatus(ctx context.Context, streamID uint64, from, to domain.ListingStatus, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE listings SET status = $3, cancelled_reason = $4
		WHERE stream_id = $1 AND status = $2
	`, streamID, string(from), string(to), reason)
	if err != nil {
		return false, fmt.Errorf("failed to update listing status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM listings WHERE stream_id = $1)`, streamID); err != nil {
			return false, err
		}
		if !exists {
			return false, storage.ErrNotFound
		}
	}
	return n > 0, nil
}

func (r *MarketRepo) OpenListings(ctx context.Context) ([]*domain.Listing, error) {
	var out []*domain.Listing
	err := r.db.SelectContext(ctx, &out, `
		SELECT stream_id, seller, price, status, listed_at, listed_at_block, cancelled_reason
		FROM listings WHERE status IN ('active', 'pending_payment') ORDER BY listed_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open listings: %w", err)
	}
	return out, nil
}

func (r *MarketRepo) DeleteListing(ctx context.Context, streamID uint64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM listings WHERE stream_id = $1`, streamID); err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	return nil
}

func (r *MarketRepo) CreatePurchase(ctx context.Context, p *domain.PendingPurchase) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_purchases (payment_id, stream_id, buyer, seller, initiated_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payment_id) DO NOTHING
	`, p.PaymentID, p.StreamID, p.Buyer, p.Seller, p.InitiatedAt, p.ExpiresAt, string(p.Status))
	if err != nil {
		return false, fmt.Errorf("failed to create pending purchase: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *MarketRepo) GetPurchase(ctx context.Context, paymentID string) (*domain.PendingPurchase, error) {
	var p domain.PendingPurchase
	err := r.db.GetContext(ctx, &p, `
		SELECT payment_id, stream_id, buyer, seller, initiated_at, expires_at, status
		FROM pending_purchases WHERE payment_id = $1
	`, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending purchase: %w", err)
	}
	return &p, nil
}

func (r *MarketRepo) PendingPurchaseForStream(ctx context.Context, streamID uint64) (*domain.PendingPurchase, error) {
	var p domain.PendingPurchase
	err := r.db.GetContext(ctx, &p, `
		SELECT payment_id, stream_id, buyer, seller, initiated_at, expires_at, status
		FROM pending_purchases
		WHERE stream_id = $1 AND status = 'pending'
		ORDER BY initiated_at DESC LIMIT 1
	`, streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending purchase for stream: %w", err)
	}
	return &p, nil
}

func (r *MarketRepo) SetPurchaseStatus(ctx context.Context, paymentID string, from, to domain.PurchaseStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_purchases SET status = $3 WHERE payment_id = $1 AND status = $2
	`, paymentID, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to update purchase status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM pending_purchases WHERE payment_id = $1)`, paymentID); err != nil {
			return false, err
		}
		if !exists {
			return false, storage.ErrNotFound
		}
	}
	return n > 0, nil
}

func (r *MarketRepo) DeletePurchase(ctx context.Context, paymentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_purchases WHERE payment_id = $1`, paymentID); err != nil {
		return fmt.Errorf("failed to delete pending purchase: %w", err)
	}
	return nil
}
