package domain

import "strconv"

// StreamStatus is the lifecycle state of an underlying payment stream.
type StreamStatus string

const (
	StreamStatusPending   StreamStatus = "pending"
	StreamStatusActive    StreamStatus = "active"
	StreamStatusCompleted StreamStatus = "completed"
	StreamStatusCancelled StreamStatus = "cancelled"
)

// StreamEndStatus maps a stream-terminating event kind to the resulting
// stream status.
func StreamEndStatus(kind EventKind) StreamStatus {
	if kind == KindStreamCompleted {
		return StreamStatusCompleted
	}
	return StreamStatusCancelled
}

// ListingStatus is the lifecycle state of a marketplace listing.
type ListingStatus string

const (
	ListingStatusActive         ListingStatus = "active"
	ListingStatusPendingPayment ListingStatus = "pending_payment"
	ListingStatusCancelled      ListingStatus = "cancelled"
	ListingStatusSold           ListingStatus = "sold"
)

// Reason codes stamped onto listings auto-cancelled by read-time
// reconciliation.
const (
	ReasonStreamCancelled   = "stream_cancelled"
	ReasonStreamCompleted   = "stream_completed"
	ReasonStreamPeriodEnded = "stream_period_ended"
	ReasonSellerCancelled   = "seller_cancelled"
)

// PurchaseStatus is the lifecycle state of a pending purchase window.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusExpired   PurchaseStatus = "expired"
)

const (
	EntityStream   = "stream"
	EntityListing  = "listing"
	EntityPurchase = "purchase"
)

// Stream mirrors one on-chain payment stream. Amount vests linearly
// between StartBlock and EndBlock.
type Stream struct {
	ID         uint64       `db:"id"`
	Sender     string       `db:"sender"`
	Recipient  string       `db:"recipient"`
	Amount     uint64       `db:"amount"`
	StartBlock uint64       `db:"start_block"`
	EndBlock   uint64       `db:"end_block"`
	Withdrawn  uint64       `db:"withdrawn"`
	Status     StreamStatus `db:"status"`
}

// Vested returns the amount unlocked at currentBlock.
func (s *Stream) Vested(currentBlock uint64) uint64 {
	if currentBlock <= s.StartBlock {
		return 0
	}
	if currentBlock >= s.EndBlock || s.EndBlock <= s.StartBlock {
		return s.Amount
	}
	elapsed := currentBlock - s.StartBlock
	total := s.EndBlock - s.StartBlock
	return s.Amount * elapsed / total
}

// Live reports whether the stream can still back an active listing.
func (s *Stream) Live(currentBlock uint64) bool {
	return s.Status == StreamStatusActive && currentBlock < s.EndBlock
}

// Listing is a marketplace listing joined 1:1 with a stream. It may be
// active only while the joined stream is live; reads reconcile violations
// by auto-cancelling with a reason code.
type Listing struct {
	StreamID        uint64        `db:"stream_id"`
	Seller          string        `db:"seller"`
	Price           uint64        `db:"price"`
	Status          ListingStatus `db:"status"`
	ListedAt        int64         `db:"listed_at"`
	ListedAtBlock   uint64        `db:"listed_at_block"`
	CancelledReason string        `db:"cancelled_reason"`
}

// PendingPurchase is an in-flight purchase window for a listing.
type PendingPurchase struct {
	PaymentID   string         `db:"payment_id"`
	StreamID    uint64         `db:"stream_id"`
	Buyer       string         `db:"buyer"`
	Seller      string         `db:"seller"`
	InitiatedAt int64          `db:"initiated_at"`
	ExpiresAt   int64          `db:"expires_at"`
	Status      PurchaseStatus `db:"status"`
}

// Lapsed reports whether the window has passed without completion.
func (p *PendingPurchase) Lapsed(now int64) bool {
	return p.Status == PurchaseStatusPending && now > p.ExpiresAt
}

// EffectiveStatus folds wall-clock expiry into the stored status without
// mutating it: a pending purchase past its window reads as expired.
func (p *PendingPurchase) EffectiveStatus(now int64) PurchaseStatus {
	if p.Lapsed(now) {
		return PurchaseStatusExpired
	}
	return p.Status
}

// Marketplace event payloads.

type StreamListed struct {
	StreamID uint64
	Seller   string
	Price    uint64
}

func (StreamListed) Kind() EventKind { return KindStreamListed }
func (e StreamListed) EntityRef() (string, string) {
	return EntityListing, strconv.FormatUint(e.StreamID, 10)
}

type ListingCancelled struct {
	StreamID uint64
	Seller   string
}

func (ListingCancelled) Kind() EventKind { return KindListingCancelled }
func (e ListingCancelled) EntityRef() (string, string) {
	return EntityListing, strconv.FormatUint(e.StreamID, 10)
}

type PurchaseInitiated struct {
	PaymentID string
	StreamID  uint64
	Buyer     string
	Seller    string
	ExpiresAt int64
}

func (PurchaseInitiated) Kind() EventKind { return KindPurchaseInitiated }
func (e PurchaseInitiated) EntityRef() (string, string) {
	return EntityPurchase, e.PaymentID
}

type DirectPurchaseCompleted struct {
	PaymentID string
	StreamID  uint64
	Buyer     string
	Price     uint64
}

func (DirectPurchaseCompleted) Kind() EventKind { return KindDirectPurchaseCompleted }
func (e DirectPurchaseCompleted) EntityRef() (string, string) {
	return EntityPurchase, e.PaymentID
}

type GatewayPurchaseCompleted struct {
	PaymentID string
	StreamID  uint64
	Buyer     string
	Price     uint64
}

func (GatewayPurchaseCompleted) Kind() EventKind { return KindGatewayPurchaseCompleted }
func (e GatewayPurchaseCompleted) EntityRef() (string, string) {
	return EntityPurchase, e.PaymentID
}

type PurchaseExpired struct {
	PaymentID string
	StreamID  uint64
}

func (PurchaseExpired) Kind() EventKind { return KindPurchaseExpired }
func (e PurchaseExpired) EntityRef() (string, string) {
	return EntityPurchase, e.PaymentID
}

type StreamCreated struct {
	StreamID   uint64
	Sender     string
	Recipient  string
	Amount     uint64
	StartBlock uint64
	EndBlock   uint64
}

func (StreamCreated) Kind() EventKind { return KindStreamCreated }
func (e StreamCreated) EntityRef() (string, string) {
	return EntityStream, strconv.FormatUint(e.StreamID, 10)
}

type StreamCancelled struct {
	StreamID uint64
}

func (StreamCancelled) Kind() EventKind { return KindStreamCancelled }
func (e StreamCancelled) EntityRef() (string, string) {
	return EntityStream, strconv.FormatUint(e.StreamID, 10)
}

type StreamCompleted struct {
	StreamID uint64
}

func (StreamCompleted) Kind() EventKind { return KindStreamCompleted }
func (e StreamCompleted) EntityRef() (string, string) {
	return EntityStream, strconv.FormatUint(e.StreamID, 10)
}

type StreamWithdrawn struct {
	StreamID  uint64
	Recipient string
	Amount    uint64
}

func (StreamWithdrawn) Kind() EventKind { return KindStreamWithdrawn }
func (e StreamWithdrawn) EntityRef() (string, string) {
	return EntityStream, strconv.FormatUint(e.StreamID, 10)
}
