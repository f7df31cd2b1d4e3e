package storage

import (
	"context"
	"errors"

	"github.com/stxstream/ingest/internal/core/domain"
)

var (
	// ErrNotFound is returned when a looked-up entity doesn't exist.
	ErrNotFound = errors.New("entity not found")
)

// ProposalRepository handles multi-sig proposal storage. All mutations are
// per-entity atomic (guarded UPDATEs / ON CONFLICT upserts) so concurrent
// deliveries never race on read-modify-write.
type ProposalRepository interface {
	// CreateWithdrawal persists a new proposal. Idempotent: re-creating an
	// existing id is a no-op and returns created=false.
	CreateWithdrawal(ctx context.Context, p *domain.WithdrawalProposal, txHash string) (created bool, err error)

	// GetWithdrawal retrieves a proposal with its approval set, approvals
	// in insertion order.
	GetWithdrawal(ctx context.Context, id uint64) (*domain.WithdrawalProposal, error)

	// PendingWithdrawals lists proposals stored as pending (callers apply
	// height-based expiry via EffectiveStatus).
	PendingWithdrawals(ctx context.Context) ([]*domain.WithdrawalProposal, error)

	// AddApproval records an approval keyed by (proposal, approver) with
	// set semantics. Returns whether a row was added and the resulting
	// approval count.
	AddApproval(ctx context.Context, id uint64, approver, txHash string) (added bool, count int, err error)

	// RemoveApprovalByTx reverts the approval recorded by txHash.
	// Idempotent: no-op when absent.
	RemoveApprovalByTx(ctx context.Context, id uint64, txHash string) error

	// MarkExecuted transitions pending -> executed. Returns false when the
	// proposal was not pending (duplicate delivery).
	MarkExecuted(ctx context.Context, id uint64, txHash string, blockHeight uint64) (bool, error)

	// ClearExecution reverts an execution recorded by txHash, restoring
	// pending. Idempotent.
	ClearExecution(ctx context.Context, id uint64, txHash string) error

	// DeleteWithdrawal removes a proposal and its approvals (rollback of
	// creation). Idempotent.
	DeleteWithdrawal(ctx context.Context, id uint64) error

	// Admin-change proposals follow the same shape.
	CreateAdmin(ctx context.Context, p *domain.AdminProposal, txHash string) (created bool, err error)
	GetAdmin(ctx context.Context, id uint64) (*domain.AdminProposal, error)
	AddAdminApproval(ctx context.Context, id uint64, approver, txHash string) (added bool, count int, err error)
	RemoveAdminApprovalByTx(ctx context.Context, id uint64, txHash string) error
	MarkAdminExecuted(ctx context.Context, id uint64, txHash string) (bool, error)
	ClearAdminExecution(ctx context.Context, id uint64, txHash string) error
	DeleteAdmin(ctx context.Context, id uint64) error
}

// MarketRepository handles streams, listings and purchase windows.
type MarketRepository interface {
	CreateStream(ctx context.Context, s *domain.Stream) (created bool, err error)
	GetStream(ctx context.Context, id uint64) (*domain.Stream, error)

	// SetStreamStatus transitions from -> to atomically; returns false when
	// the stream was not in the expected state.
	SetStreamStatus(ctx context.Context, id uint64, from, to domain.StreamStatus) (bool, error)

	// AddStreamWithdrawal increments the withdrawn amount (negative delta
	// reverts).
	AddStreamWithdrawal(ctx context.Context, id uint64, delta int64) error

	// SetStreamRecipient retargets the payee side; returns the previous
	// recipient for journaled reverts.
	SetStreamRecipient(ctx context.Context, id uint64, recipient string) (prev string, err error)

	DeleteStream(ctx context.Context, id uint64) error

	CreateListing(ctx context.Context, l *domain.Listing) (created bool, err error)
	GetListing(ctx context.Context, streamID uint64) (*domain.Listing, error)

	// SetListingStatus transitions from -> to atomically with an optional
	// cancellation reason; returns false when the guard failed.
	SetListingStatus(ctx context.Context, streamID uint64, from, to domain.ListingStatus, reason string) (bool, error)

	// OpenListings returns listings stored as active or pending_payment,
	// in listing order. Read-time reconciliation (dead streams, lapsed
	// purchase windows) happens above this layer.
	OpenListings(ctx context.Context) ([]*domain.Listing, error)

	DeleteListing(ctx context.Context, streamID uint64) error

	CreatePurchase(ctx context.Context, p *domain.PendingPurchase) (created bool, err error)
	GetPurchase(ctx context.Context, paymentID string) (*domain.PendingPurchase, error)

	// PendingPurchaseForStream returns the open purchase window holding the
	// stream's listing, or ErrNotFound when none is pending.
	PendingPurchaseForStream(ctx context.Context, streamID uint64) (*domain.PendingPurchase, error)
	SetPurchaseStatus(ctx context.Context, paymentID string, from, to domain.PurchaseStatus) (bool, error)
	DeletePurchase(ctx context.Context, paymentID string) error
}

// FeeRepository handles protocol fee records.
type FeeRepository interface {
	// CreateFee is idempotent by tx hash.
	CreateFee(ctx context.Context, f *domain.FeeRecord) (created bool, err error)
	DeleteFeeByTx(ctx context.Context, txHash string) error
}

// NFTRepository handles stream-token ownership mirrors.
type NFTRepository interface {
	UpsertOwnership(ctx context.Context, o *domain.NFTOwnership) error
	GetOwnership(ctx context.Context, class domain.TokenClass, tokenID uint64) (*domain.NFTOwnership, error)
	// SetOwner updates ownership and returns the previous owner for
	// journaled reverts.
	SetOwner(ctx context.Context, class domain.TokenClass, tokenID uint64, owner string) (prev string, err error)
	DeleteOwnership(ctx context.Context, class domain.TokenClass, tokenID uint64) error
}

// JournalRepository is the applied-event journal: the authoritative replay
// guard and the index rollback walks to revert a block's effects.
type JournalRepository interface {
	// Append records an applied event. Returns false when the same
	// (tx_hash, kind, entity) was already journaled.
	Append(ctx context.Context, e *domain.AppliedEvent) (appended bool, err error)

	// Seen reports whether an identical application was already journaled.
	Seen(ctx context.Context, txHash string, kind domain.EventKind, entityType, entityID string) (bool, error)

	// ByBlockHash lists journal rows for a block in application order.
	ByBlockHash(ctx context.Context, blockHash string) ([]*domain.AppliedEvent, error)

	// ByBlockHeight lists journal rows recorded at a height, in application
	// order. Rollback falls back to it when the orphaned block's hash
	// matches nothing journaled.
	ByBlockHeight(ctx context.Context, height uint64) ([]*domain.AppliedEvent, error)

	// Delete removes journal rows by id after their effects were reverted.
	Delete(ctx context.Context, ids []int64) error
}
