// Package nft mirrors ownership of stream-backed tokens. Each stream mints
// an obligation token (payer side) and a recipient token (payee side); the
// recipient token carries the stream's payee with it when transferred.
package nft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/storage"
	"github.com/stxstream/ingest/internal/ingest/metrics"
	"github.com/stxstream/ingest/internal/notify"
)

const (
	metaPrevOwner     = "prevOwner"
	metaPrevRecipient = "prevRecipient"
	metaStreamID      = "streamId"
)

// Reducer applies nft-family events.
type Reducer struct {
	nfts     storage.NFTRepository
	market   storage.MarketRepository
	notifier notify.Notifier
	log      *slog.Logger
}

func New(nfts storage.NFTRepository, market storage.MarketRepository, notifier notify.Notifier) *Reducer {
	return &Reducer{
		nfts:     nfts,
		market:   market,
		notifier: notifier,
		log:      slog.Default(),
	}
}

// Apply applies one nft event, returning the journal row or nil for no-ops.
func (r *Reducer) Apply(ctx context.Context, evt domain.Event) (*domain.AppliedEvent, error) {
	switch p := evt.Payload.(type) {
	case domain.ObligationMinted:
		return r.applyMint(ctx, evt, domain.TokenObligation, p.TokenID, p.StreamID, p.Owner)
	case domain.RecipientMinted:
		return r.applyMint(ctx, evt, domain.TokenRecipient, p.TokenID, p.StreamID, p.Owner)
	case domain.ObligationTransferred:
		return r.applyTransfer(ctx, evt, domain.TokenObligation, p.TokenID, p.StreamID, p.From, p.To)
	case domain.RecipientTransferred:
		return r.applyRecipientTransfer(ctx, evt, p)
	default:
		return nil, fmt.Errorf("nft reducer cannot apply %s", evt.Kind())
	}
}

func (r *Reducer) applyMint(ctx context.Context, evt domain.Event, class domain.TokenClass, tokenID, streamID uint64, owner string) (*domain.AppliedEvent, error) {
	err := r.nfts.UpsertOwnership(ctx, &domain.NFTOwnership{
		Class:    class,
		TokenID:  tokenID,
		StreamID: streamID,
		Owner:    owner,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record %s token %d mint: %w", class, tokenID, err)
	}
	row := domain.JournalFor(evt)
	row.Meta[metaStreamID] = strconv.FormatUint(streamID, 10)
	return row, nil
}

func (r *Reducer) applyTransfer(ctx context.Context, evt domain.Event, class domain.TokenClass, tokenID, streamID uint64, from, to string) (*domain.AppliedEvent, error) {
	prev, err := r.nfts.SetOwner(ctx, class, tokenID, to)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.logOrphan(class, tokenID, evt)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to transfer %s token %d: %w", class, tokenID, err)
	}
	if prev != from {
		// The mirror disagreed with the event's sender; the event wins but
		// the discrepancy is worth surfacing.
		r.log.Warn("nft transfer sender mismatch",
			"class", class, "tokenId", tokenID, "eventFrom", from, "storedOwner", prev)
	}

	r.notifier.Notify(ctx, to, "nft.token_received",
		fmt.Sprintf("You received a stream %s token", class),
		fmt.Sprintf("%s transferred token #%d for stream #%d to you.", from, tokenID, streamID),
		map[string]string{"tokenId": strconv.FormatUint(tokenID, 10), "streamId": strconv.FormatUint(streamID, 10)},
		notify.Options{})

	row := domain.JournalFor(evt)
	row.Meta[metaPrevOwner] = prev
	row.Meta[metaStreamID] = strconv.FormatUint(streamID, 10)
	return row, nil
}

// applyRecipientTransfer moves the token and retargets the joined stream's
// payee in the same application, recording both prior values for revert.
func (r *Reducer) applyRecipientTransfer(ctx context.Context, evt domain.Event, p domain.RecipientTransferred) (*domain.AppliedEvent, error) {
	row, err := r.applyTransfer(ctx, evt, domain.TokenRecipient, p.TokenID, p.StreamID, p.From, p.To)
	if err != nil || row == nil {
		return row, err
	}

	prevRecipient, err := r.market.SetStreamRecipient(ctx, p.StreamID, p.To)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Token without a mirrored stream: keep the ownership change.
			r.log.Warn("recipient token transferred for unknown stream",
				"tokenId", p.TokenID, "streamId", p.StreamID)
			return row, nil
		}
		return nil, fmt.Errorf("failed to retarget stream %d recipient: %w", p.StreamID, err)
	}
	row.Meta[metaPrevRecipient] = prevRecipient
	return row, nil
}

// Revert undoes one journaled nft application using the prior owner and
// prior recipient recorded in the row's meta.
func (r *Reducer) Revert(ctx context.Context, row *domain.AppliedEvent) error {
	class, tokenID, err := parseTokenRef(row.EntityID)
	if err != nil {
		return err
	}

	switch row.Kind {
	case domain.KindObligationMinted, domain.KindRecipientMinted:
		return r.nfts.DeleteOwnership(ctx, class, tokenID)

	case domain.KindObligationTransferred:
		return r.restoreOwner(ctx, class, tokenID, row)

	case domain.KindRecipientTransferred:
		if err := r.restoreOwner(ctx, class, tokenID, row); err != nil {
			return err
		}
		prevRecipient, ok := row.Meta[metaPrevRecipient]
		if !ok {
			return nil
		}
		streamID, err := strconv.ParseUint(row.Meta[metaStreamID], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stream meta on journal row %d: %w", row.ID, err)
		}
		if _, err := r.market.SetStreamRecipient(ctx, streamID, prevRecipient); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil

	default:
		return fmt.Errorf("nft reducer cannot revert %s", row.Kind)
	}
}

func (r *Reducer) restoreOwner(ctx context.Context, class domain.TokenClass, tokenID uint64, row *domain.AppliedEvent) error {
	prev, ok := row.Meta[metaPrevOwner]
	if !ok || prev == "" {
		return nil
	}
	if _, err := r.nfts.SetOwner(ctx, class, tokenID, prev); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func (r *Reducer) logOrphan(class domain.TokenClass, tokenID uint64, evt domain.Event) {
	r.log.Warn("dropping transfer for unknown token",
		"class", class, "tokenId", tokenID, "txHash", evt.Ctx.TxHash)
	metrics.EventsSkipped.WithLabelValues("orphan").Inc()
}

// parseTokenRef splits the journal entity id "class:tokenID" back into its
// parts.
func parseTokenRef(s string) (domain.TokenClass, uint64, error) {
	class, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return "", 0, fmt.Errorf("invalid token ref %q", s)
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid token ref %q: %w", s, err)
	}
	return domain.TokenClass(class), id, nil
}
