// Package ingest processes chainhook deliveries: rollback blocks are
// reverted first, then apply blocks are replayed in chain order, with every
// application journaled for replay detection and future reverts.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/extract"
	"github.com/stxstream/ingest/internal/infra/chainstate"
	"github.com/stxstream/ingest/internal/infra/storage"
	"github.com/stxstream/ingest/internal/ingest/metrics"
)

// Reducer is one family's event handler. Apply returns the journal row to
// persist, or nil when the event was a no-op; Revert undoes a journaled
// application after a reorg.
type Reducer interface {
	Apply(ctx context.Context, evt domain.Event) (*domain.AppliedEvent, error)
	Revert(ctx context.Context, row *domain.AppliedEvent) error
}

// Dedup is the optional fast-path replay cache in front of the journal.
// Failures are ignored; the journal's unique index is authoritative.
type Dedup interface {
	MarkApplied(ctx context.Context, key string) error
	WasApplied(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, keys []string) error
}

// Result summarizes one delivery: how many events were applied and which
// ones failed. A delivery with failures still commits its successes.
type Result struct {
	Processed int
	Errors    []string
}

// Processor routes decoded events to their family reducer.
type Processor struct {
	reducers  map[domain.Family]Reducer
	journal   storage.JournalRepository
	dedup     Dedup
	extractor *extract.Extractor
	chain     chainstate.Reader
	log       *slog.Logger
}

func NewProcessor(reducers map[domain.Family]Reducer, journal storage.JournalRepository, dedup Dedup, chain chainstate.Reader) *Processor {
	return &Processor{
		reducers:  reducers,
		journal:   journal,
		dedup:     dedup,
		extractor: extract.New(),
		chain:     chain,
		log:       slog.Default(),
	}
}

// ProcessDelivery processes one webhook delivery. Rollback blocks are
// handled before apply blocks; apply blocks are replayed ascending by
// height regardless of payload order. A failing event is recorded and
// skipped, never aborting the rest of the delivery; hitting the delivery
// deadline returns the partial result accumulated so far.
func (p *Processor) ProcessDelivery(ctx context.Context, payload domain.InboundPayload) Result {
	var res Result

	for _, block := range payload.Rollback {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, "delivery deadline exceeded")
			return res
		}
		if err := p.RollbackBlock(ctx, block); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("rollback block %s: %v", block.Hash, err))
		}
	}

	blocks := make([]domain.Block, len(payload.Apply))
	copy(blocks, payload.Apply)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })

	for _, block := range blocks {
		for _, tx := range block.Transactions {
			if err := ctx.Err(); err != nil {
				res.Errors = append(res.Errors, "delivery deadline exceeded")
				return res
			}

			events, errs := p.extractor.Extract(block, tx)
			for _, err := range errs {
				res.Errors = append(res.Errors, fmt.Sprintf("tx %s: %v", tx.TxHash, err))
			}
			for _, evt := range events {
				applied, err := p.applyOne(ctx, evt)
				if err != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("tx %s %s: %v", tx.TxHash, evt.Kind(), err))
					metrics.ApplyErrors.WithLabelValues(string(evt.Family())).Inc()
					continue
				}
				if applied {
					res.Processed++
				}
			}
		}
		p.chain.ObserveHeight(block.Index)
		metrics.LastBlockHeight.Set(float64(block.Index))
	}

	return res
}

// applyOne applies a single event, reporting whether it changed state.
// Duplicates are detected via the Redis fast path first, then the journal;
// the journal's unique index still catches concurrent deliveries racing
// past both checks.
func (p *Processor) applyOne(ctx context.Context, evt domain.Event) (bool, error) {
	reducer, ok := p.reducers[evt.Family()]
	if !ok {
		p.log.Warn("no reducer for event family", "kind", evt.Kind())
		metrics.EventsSkipped.WithLabelValues("unknown_family").Inc()
		return false, nil
	}

	key := domain.JournalFor(evt).DedupKey()
	if p.dedup != nil {
		if seen, err := p.dedup.WasApplied(ctx, key); err == nil && seen {
			metrics.EventsSkipped.WithLabelValues("duplicate").Inc()
			return false, nil
		}
	}
	entityType, entityID := evt.Payload.EntityRef()
	seen, err := p.journal.Seen(ctx, evt.Ctx.TxHash, evt.Kind(), entityType, entityID)
	if err != nil {
		return false, fmt.Errorf("journal lookup: %w", err)
	}
	if seen {
		metrics.EventsSkipped.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	row, err := reducer.Apply(ctx, evt)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}

	appended, err := p.journal.Append(ctx, row)
	if err != nil {
		return false, fmt.Errorf("journal append: %w", err)
	}
	if !appended {
		metrics.EventsSkipped.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	if p.dedup != nil {
		if err := p.dedup.MarkApplied(ctx, key); err != nil {
			p.log.Debug("dedup cache write failed", "key", key, "error", err)
		}
	}
	metrics.EventsApplied.WithLabelValues(string(evt.Kind())).Inc()
	return true, nil
}
