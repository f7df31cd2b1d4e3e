package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/ingest/metrics"
)

// RollbackBlock reverts every journaled effect of one orphaned block, in
// reverse application order, then removes the journal rows so the new
// canonical branch can re-apply cleanly. Rows are matched by block hash,
// falling back to height when the hash matches nothing: only one block per
// height is ever journaled, so rows at the orphaned height belong to it.
// Rolling back a block with no journal rows (never applied, or already
// rolled back) is a no-op.
func (p *Processor) RollbackBlock(ctx context.Context, block domain.Block) error {
	rows, err := p.journal.ByBlockHash(ctx, block.Hash)
	if err != nil {
		return fmt.Errorf("journal scan: %w", err)
	}
	if len(rows) == 0 && block.Index > 0 {
		rows, err = p.journal.ByBlockHeight(ctx, block.Index)
		if err != nil {
			return fmt.Errorf("journal scan by height: %w", err)
		}
		if len(rows) > 0 {
			p.log.Warn("rollback matched journal rows by height, not hash",
				"hash", block.Hash, "height", block.Index, "journaledHash", rows[0].BlockHash)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	var (
		errs     []error
		reverted []int64
		keys     []string
	)
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		reducer, ok := p.reducers[row.Kind.Family()]
		if !ok {
			errs = append(errs, fmt.Errorf("no reducer for journaled kind %s", row.Kind))
			continue
		}
		if err := reducer.Revert(ctx, row); err != nil {
			// The row stays journaled so a retried rollback picks it up.
			errs = append(errs, fmt.Errorf("revert %s %s/%s: %w", row.Kind, row.EntityType, row.EntityID, err))
			continue
		}
		reverted = append(reverted, row.ID)
		keys = append(keys, row.DedupKey())
	}

	if len(reverted) > 0 {
		if err := p.journal.Delete(ctx, reverted); err != nil {
			errs = append(errs, fmt.Errorf("journal delete: %w", err))
		} else if p.dedup != nil {
			if err := p.dedup.Forget(ctx, keys); err != nil {
				p.log.Debug("dedup cache purge failed", "block", block.Hash, "error", err)
			}
		}
	}

	if len(errs) > 0 {
		metrics.RollbackErrors.Inc()
		return errors.Join(errs...)
	}

	p.log.Info("rolled back block", "hash", block.Hash, "height", block.Index, "events", len(reverted))
	metrics.RollbackBlocks.Inc()
	return nil
}
