// Package market keeps marketplace listings consistent with their
// underlying payment streams. Two mechanisms cooperate: event-driven
// lifecycle transitions, and lazy read-time reconciliation that
// auto-cancels listings whose backing stream died without a corresponding
// listing event.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/chainstate"
	"github.com/stxstream/ingest/internal/infra/storage"
	"github.com/stxstream/ingest/internal/ingest/metrics"
	"github.com/stxstream/ingest/internal/notify"
)

const (
	metaPrevStreamStatus = "prevStreamStatus"
	metaListingCancelled = "listingCancelled"
	metaPrevRecipient    = "prevRecipient"
	metaAmount           = "amount"
)

// Engine applies marketplace-family events and serves reconciled reads.
type Engine struct {
	store    storage.MarketRepository
	chain    chainstate.Reader
	notifier notify.Notifier
	log      *slog.Logger
}

func New(store storage.MarketRepository, chain chainstate.Reader, notifier notify.Notifier) *Engine {
	return &Engine{
		store:    store,
		chain:    chain,
		notifier: notifier,
		log:      slog.Default(),
	}
}

// Apply applies one marketplace event, returning the journal row or nil
// for no-ops.
func (e *Engine) Apply(ctx context.Context, evt domain.Event) (*domain.AppliedEvent, error) {
	switch p := evt.Payload.(type) {
	case domain.StreamListed:
		return e.applyStreamListed(ctx, evt, p)
	case domain.ListingCancelled:
		return e.applyListingCancelled(ctx, evt, p)
	case domain.PurchaseInitiated:
		return e.applyPurchaseInitiated(ctx, evt, p)
	case domain.DirectPurchaseCompleted:
		return e.applyPurchaseCompleted(ctx, evt, p.PaymentID, p.StreamID, p.Buyer)
	case domain.GatewayPurchaseCompleted:
		return e.applyPurchaseCompleted(ctx, evt, p.PaymentID, p.StreamID, p.Buyer)
	case domain.PurchaseExpired:
		return e.applyPurchaseExpired(ctx, evt, p)
	case domain.StreamCreated:
		return e.applyStreamCreated(ctx, evt, p)
	case domain.StreamCancelled:
		return e.applyStreamEnded(ctx, evt, p.StreamID, domain.StreamCancelled{}.Kind())
	case domain.StreamCompleted:
		return e.applyStreamEnded(ctx, evt, p.StreamID, domain.StreamCompleted{}.Kind())
	case domain.StreamWithdrawn:
		return e.applyStreamWithdrawn(ctx, evt, p)
	default:
		return nil, fmt.Errorf("market engine cannot apply %s", evt.Kind())
	}
}

func (e *Engine) applyStreamListed(ctx context.Context, evt domain.Event, p domain.StreamListed) (*domain.AppliedEvent, error) {
	listing := &domain.Listing{
		StreamID:      p.StreamID,
		Seller:        p.Seller,
		Price:         p.Price,
		Status:        domain.ListingStatusActive,
		ListedAt:      evt.Ctx.Timestamp,
		ListedAtBlock: evt.Ctx.BlockHeight,
	}
	created, err := e.store.CreateListing(ctx, listing)
	if err != nil {
		return nil, fmt.Errorf("failed to create listing for stream %d: %w", p.StreamID, err)
	}
	if !created {
		return nil, nil
	}
	return domain.JournalFor(evt), nil
}

func (e *Engine) applyListingCancelled(ctx context.Context, evt domain.Event, p domain.ListingCancelled) (*domain.AppliedEvent, error) {
	changed, err := e.store.SetListingStatus(ctx, p.StreamID,
		domain.ListingStatusActive, domain.ListingStatusCancelled, domain.ReasonSellerCancelled)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logOrphan("listing", p.StreamID, evt)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to cancel listing %d: %w", p.StreamID, err)
	}
	if !changed {
		return nil, nil
	}
	return domain.JournalFor(evt), nil
}

func (e *Engine) applyPurchaseInitiated(ctx context.Context, evt domain.Event, p domain.PurchaseInitiated) (*domain.AppliedEvent, error) {
	changed, err := e.store.SetListingStatus(ctx, p.StreamID,
		domain.ListingStatusActive, domain.ListingStatusPendingPayment, "")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logOrphan("listing", p.StreamID, evt)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to hold listing %d: %w", p.StreamID, err)
	}
	if !changed {
		// Listing already held or gone: duplicate or stale delivery.
		return nil, nil
	}

	created, err := e.store.CreatePurchase(ctx, &domain.PendingPurchase{
		PaymentID:   p.PaymentID,
		StreamID:    p.StreamID,
		Buyer:       p.Buyer,
		Seller:      p.Seller,
		InitiatedAt: evt.Ctx.Timestamp,
		ExpiresAt:   p.ExpiresAt,
		Status:      domain.PurchaseStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pending purchase %s: %w", p.PaymentID, err)
	}
	if created {
		e.notifier.Notify(ctx, p.Seller, "market.purchase_initiated",
			fmt.Sprintf("Buyer found for stream #%d", p.StreamID),
			fmt.Sprintf("%s initiated a purchase. The payment window closes at %d.", p.Buyer, p.ExpiresAt),
			map[string]string{"streamId": strconv.FormatUint(p.StreamID, 10), "paymentId": p.PaymentID},
			notify.Options{})
	}
	return domain.JournalFor(evt), nil
}

func (e *Engine) applyPurchaseCompleted(ctx context.Context, evt domain.Event, paymentID string, streamID uint64, buyer string) (*domain.AppliedEvent, error) {
	changed, err := e.store.SetPurchaseStatus(ctx, paymentID, domain.PurchaseStatusPending, domain.PurchaseStatusCompleted)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.log.Warn("dropping completion for unknown purchase", "paymentId", paymentID, "txHash", evt.Ctx.TxHash)
			metrics.EventsSkipped.WithLabelValues("orphan").Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("failed to complete purchase %s: %w", paymentID, err)
	}
	if !changed {
		return nil, nil
	}

	if _, err := e.store.SetListingStatus(ctx, streamID,
		domain.ListingStatusPendingPayment, domain.ListingStatusSold, ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to mark listing %d sold: %w", streamID, err)
	}

	purchase, err := e.store.GetPurchase(ctx, paymentID)
	if err == nil {
		e.notifier.Notify(ctx, purchase.Seller, "market.stream_sold",
			fmt.Sprintf("Stream #%d sold", streamID),
			fmt.Sprintf("%s completed the purchase in transaction %s.", buyer, evt.Ctx.TxHash),
			map[string]string{"streamId": strconv.FormatUint(streamID, 10), "paymentId": paymentID},
			notify.Options{Priority: "high"})
		e.notifier.Notify(ctx, purchase.Buyer, "market.purchase_completed",
			fmt.Sprintf("Purchase of stream #%d complete", streamID),
			"The stream's recipient token is now yours.",
			map[string]string{"streamId": strconv.FormatUint(streamID, 10), "paymentId": paymentID},
			notify.Options{})
	}

	return domain.JournalFor(evt), nil
}

func (e *Engine) applyPurchaseExpired(ctx context.Context, evt domain.Event, p domain.PurchaseExpired) (*domain.AppliedEvent, error) {
	changed, err := e.store.SetPurchaseStatus(ctx, p.PaymentID, domain.PurchaseStatusPending, domain.PurchaseStatusExpired)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.log.Warn("dropping expiry for unknown purchase", "paymentId", p.PaymentID)
			metrics.EventsSkipped.WithLabelValues("orphan").Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("failed to expire purchase %s: %w", p.PaymentID, err)
	}
	if !changed {
		return nil, nil
	}

	// The listing goes back on the market.
	if _, err := e.store.SetListingStatus(ctx, p.StreamID,
		domain.ListingStatusPendingPayment, domain.ListingStatusActive, ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to reactivate listing %d: %w", p.StreamID, err)
	}

	return domain.JournalFor(evt), nil
}

func (e *Engine) applyStreamCreated(ctx context.Context, evt domain.Event, p domain.StreamCreated) (*domain.AppliedEvent, error) {
	status := domain.StreamStatusPending
	if evt.Ctx.BlockHeight >= p.StartBlock {
		status = domain.StreamStatusActive
	}
	created, err := e.store.CreateStream(ctx, &domain.Stream{
		ID:         p.StreamID,
		Sender:     p.Sender,
		Recipient:  p.Recipient,
		Amount:     p.Amount,
		StartBlock: p.StartBlock,
		EndBlock:   p.EndBlock,
		Status:     status,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %d: %w", p.StreamID, err)
	}
	if !created {
		return nil, nil
	}
	return domain.JournalFor(evt), nil
}

func (e *Engine) applyStreamEnded(ctx context.Context, evt domain.Event, streamID uint64, kind domain.EventKind) (*domain.AppliedEvent, error) {
	stream, err := e.store.GetStream(ctx, streamID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logOrphan("stream", streamID, evt)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stream %d: %w", streamID, err)
	}

	target := domain.StreamEndStatus(kind)
	if stream.Status == target {
		return nil, nil
	}
	changed, err := e.store.SetStreamStatus(ctx, streamID, stream.Status, target)
	if err != nil {
		return nil, fmt.Errorf("failed to end stream %d: %w", streamID, err)
	}
	if !changed {
		return nil, nil
	}

	row := domain.JournalFor(evt)
	row.Meta[metaPrevStreamStatus] = string(stream.Status)

	// Proactively take the listing off the market; the lazy read path
	// would catch it anyway, but this closes the window.
	reason := domain.ReasonStreamCancelled
	if kind == domain.KindStreamCompleted {
		reason = domain.ReasonStreamCompleted
	}
	cancelled, err := e.store.SetListingStatus(ctx, streamID, domain.ListingStatusActive, domain.ListingStatusCancelled, reason)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to cancel listing for dead stream %d: %w", streamID, err)
	}
	if cancelled {
		row.Meta[metaListingCancelled] = "true"
		e.notifyAutoCancel(ctx, streamID, reason)
	}
	return row, nil
}

func (e *Engine) applyStreamWithdrawn(ctx context.Context, evt domain.Event, p domain.StreamWithdrawn) (*domain.AppliedEvent, error) {
	if err := e.store.AddStreamWithdrawal(ctx, p.StreamID, int64(p.Amount)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logOrphan("stream", p.StreamID, evt)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to record withdrawal on stream %d: %w", p.StreamID, err)
	}
	row := domain.JournalFor(evt)
	row.Meta[metaAmount] = strconv.FormatUint(p.Amount, 10)
	return row, nil
}

// Revert undoes one journaled marketplace application. Transitions are
// inverted deterministically per kind; revert hints (prior stream status,
// prior recipient) come from the journal row's meta.
func (e *Engine) Revert(ctx context.Context, row *domain.AppliedEvent) error {
	switch row.Kind {
	case domain.KindStreamListed:
		id, err := parseID(row.EntityID)
		if err != nil {
			return err
		}
		return e.store.DeleteListing(ctx, id)

	case domain.KindListingCancelled:
		id, err := parseID(row.EntityID)
		if err != nil {
			return err
		}
		_, err = e.store.SetListingStatus(ctx, id, domain.ListingStatusCancelled, domain.ListingStatusActive, "")
		return ignoreNotFound(err)

	case domain.KindPurchaseInitiated:
		purchase, err := e.store.GetPurchase(ctx, row.EntityID)
		if err != nil {
			return ignoreNotFound(err)
		}
		if err := e.store.DeletePurchase(ctx, row.EntityID); err != nil {
			return err
		}
		_, err = e.store.SetListingStatus(ctx, purchase.StreamID, domain.ListingStatusPendingPayment, domain.ListingStatusActive, "")
		return ignoreNotFound(err)

	case domain.KindDirectPurchaseCompleted, domain.KindGatewayPurchaseCompleted:
		purchase, err := e.store.GetPurchase(ctx, row.EntityID)
		if err != nil {
			return ignoreNotFound(err)
		}
		if _, err := e.store.SetPurchaseStatus(ctx, row.EntityID, domain.PurchaseStatusCompleted, domain.PurchaseStatusPending); err != nil {
			return ignoreNotFound(err)
		}
		_, err = e.store.SetListingStatus(ctx, purchase.StreamID, domain.ListingStatusSold, domain.ListingStatusPendingPayment, "")
		return ignoreNotFound(err)

	case domain.KindPurchaseExpired:
		purchase, err := e.store.GetPurchase(ctx, row.EntityID)
		if err != nil {
			return ignoreNotFound(err)
		}
		if _, err := e.store.SetPurchaseStatus(ctx, row.EntityID, domain.PurchaseStatusExpired, domain.PurchaseStatusPending); err != nil {
			return ignoreNotFound(err)
		}
		_, err = e.store.SetListingStatus(ctx, purchase.StreamID, domain.ListingStatusActive, domain.ListingStatusPendingPayment, "")
		return ignoreNotFound(err)

	case domain.KindStreamCreated:
		id, err := parseID(row.EntityID)
		if err != nil {
			return err
		}
		return e.store.DeleteStream(ctx, id)

	case domain.KindStreamCancelled, domain.KindStreamCompleted:
		id, err := parseID(row.EntityID)
		if err != nil {
			return err
		}
		prev := domain.StreamStatus(row.Meta[metaPrevStreamStatus])
		if prev == "" {
			prev = domain.StreamStatusActive
		}
		if _, err := e.store.SetStreamStatus(ctx, id, domain.StreamEndStatus(row.Kind), prev); err != nil {
			return ignoreNotFound(err)
		}
		if row.Meta[metaListingCancelled] == "true" {
			if _, err := e.store.SetListingStatus(ctx, id, domain.ListingStatusCancelled, domain.ListingStatusActive, ""); err != nil {
				return ignoreNotFound(err)
			}
		}
		return nil

	case domain.KindStreamWithdrawn:
		id, err := parseID(row.EntityID)
		if err != nil {
			return err
		}
		amount, err := strconv.ParseInt(row.Meta[metaAmount], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid withdrawal meta on journal row %d: %w", row.ID, err)
		}
		return ignoreNotFound(e.store.AddStreamWithdrawal(ctx, id, -amount))

	default:
		return fmt.Errorf("market engine cannot revert %s", row.Kind)
	}
}

// ActiveListings returns listings that are active right now. Each stored
// active listing is checked against its stream at the current chain height
// and auto-cancelled with a reason code when the stream is no longer live,
// before the result is returned: callers never observe a listing whose
// backing stream is dead. A listing held by a purchase window that lapsed
// without completion surfaces as active again; the stored status is not
// touched, the later purchase-expired event persists the release.
func (e *Engine) ActiveListings(ctx context.Context) ([]*domain.Listing, error) {
	listings, err := e.store.OpenListings(ctx)
	if err != nil {
		return nil, err
	}
	currentBlock := e.chain.BlockHeight(ctx)
	now := time.Now().Unix()

	live := listings[:0]
	for _, l := range listings {
		if l.Status == domain.ListingStatusPendingPayment {
			released, err := e.windowLapsed(ctx, l.StreamID, now)
			if err != nil {
				return nil, err
			}
			if !released {
				continue
			}
			l.Status = domain.ListingStatusActive
		}
		reason, err := e.deadListingReason(ctx, l.StreamID, currentBlock)
		if err != nil {
			return nil, err
		}
		if reason == "" {
			live = append(live, l)
			continue
		}
		if _, err := e.store.SetListingStatus(ctx, l.StreamID, domain.ListingStatusActive, domain.ListingStatusCancelled, reason); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to reconcile listing %d: %w", l.StreamID, err)
		}
		e.notifyAutoCancel(ctx, l.StreamID, reason)
	}
	return live, nil
}

// windowLapsed reports whether the stream's pending purchase window has
// passed without completion. A held listing with no pending purchase at all
// counts as lapsed: its window row was already expired or reverted.
func (e *Engine) windowLapsed(ctx context.Context, streamID uint64, now int64) (bool, error) {
	purchase, err := e.store.PendingPurchaseForStream(ctx, streamID)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load purchase window for stream %d: %w", streamID, err)
	}
	return purchase.EffectiveStatus(now) == domain.PurchaseStatusExpired, nil
}

func (e *Engine) deadListingReason(ctx context.Context, streamID, currentBlock uint64) (string, error) {
	stream, err := e.store.GetStream(ctx, streamID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ReasonStreamCancelled, nil
	}
	if err != nil {
		return "", err
	}
	switch {
	case stream.Status == domain.StreamStatusCancelled:
		return domain.ReasonStreamCancelled, nil
	case stream.Status == domain.StreamStatusCompleted:
		return domain.ReasonStreamCompleted, nil
	case currentBlock >= stream.EndBlock:
		return domain.ReasonStreamPeriodEnded, nil
	default:
		return "", nil
	}
}

func (e *Engine) notifyAutoCancel(ctx context.Context, streamID uint64, reason string) {
	listing, err := e.store.GetListing(ctx, streamID)
	if err != nil {
		return
	}
	e.notifier.Notify(ctx, listing.Seller, "market.listing_cancelled",
		fmt.Sprintf("Listing for stream #%d cancelled", streamID),
		fmt.Sprintf("The listing was cancelled: %s.", reason),
		map[string]string{"streamId": strconv.FormatUint(streamID, 10), "reason": reason},
		notify.Options{})
}

func (e *Engine) logOrphan(entity string, id uint64, evt domain.Event) {
	e.log.Warn("dropping event for unknown "+entity,
		"id", id, "kind", evt.Kind(), "txHash", evt.Ctx.TxHash)
	metrics.EventsSkipped.WithLabelValues("orphan").Inc()
}

func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream id %q: %w", s, err)
	}
	return id, nil
}
