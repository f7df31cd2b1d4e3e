package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/stxstream/ingest/internal/core/domain"
)

// JournalRepo implements storage.JournalRepository. The unique index on
// (tx_hash, kind, entity_type, entity_id) is the authoritative replay guard
// for duplicate webhook deliveries.
type JournalRepo struct {
	db *DB
}

func NewJournalRepo(db *DB) *JournalRepo {
	return &JournalRepo{db: db}
}

func (r *JournalRepo) Append(ctx context.Context, e *domain.AppliedEvent) (bool, error) {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return false, fmt.Errorf("failed to encode journal meta: %w", err)
	}
	var id int64
	err = r.db.GetContext(ctx, &id, `
		INSERT INTO applied_events (tx_hash, block_height, block_hash, kind, entity_type, entity_id, meta, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (tx_hash, kind, entity_type, entity_id) DO NOTHING
		RETURNING id
	`, e.TxHash, e.BlockHeight, e.BlockHash, string(e.Kind), e.EntityType, e.EntityID, meta)
	if err != nil {
		// RETURNING yields no row when the insert conflicted.
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to append journal row: %w", err)
	}
	e.ID = id
	return true, nil
}

func (r *JournalRepo) Seen(ctx context.Context, txHash string, kind domain.EventKind, entityType, entityID string) (bool, error) {
	var seen bool
	err := r.db.GetContext(ctx, &seen, `
		SELECT EXISTS(
			SELECT 1 FROM applied_events
			WHERE tx_hash = $1 AND kind = $2 AND entity_type = $3 AND entity_id = $4
		)
	`, txHash, string(kind), entityType, entityID)
	if err != nil {
		return false, fmt.Errorf("failed to check journal: %w", err)
	}
	return seen, nil
}

func (r *JournalRepo) ByBlockHash(ctx context.Context, blockHash string) ([]*domain.AppliedEvent, error) {
	return r.query(ctx, `
		SELECT id, tx_hash, block_height, block_hash, kind, entity_type, entity_id, meta, applied_at
		FROM applied_events WHERE block_hash = $1 ORDER BY id
	`, blockHash)
}

func (r *JournalRepo) ByBlockHeight(ctx context.Context, height uint64) ([]*domain.AppliedEvent, error) {
	return r.query(ctx, `
		SELECT id, tx_hash, block_height, block_hash, kind, entity_type, entity_id, meta, applied_at
		FROM applied_events WHERE block_height = $1 ORDER BY id
	`, height)
}

func (r *JournalRepo) query(ctx context.Context, q string, arg any) ([]*domain.AppliedEvent, error) {
	rows, err := r.db.QueryxContext(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []*domain.AppliedEvent
	for rows.Next() {
		var e domain.AppliedEvent
		var kind string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TxHash, &e.BlockHeight, &e.BlockHash,
			&kind, &e.EntityType, &e.EntityID, &meta, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Kind = domain.EventKind(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode journal meta: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *JournalRepo) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM applied_events WHERE id = ANY($1)
	`, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to delete journal rows: %w", err)
	}
	return nil
}
