package domain

// Family groups event kinds by the reducer that owns them.
type Family string

const (
	FamilyTreasury      Family = "treasury"
	FamilyMarketplace   Family = "marketplace"
	FamilyAccessControl Family = "access-control"
	FamilyNFT           Family = "nft"
)

// EventKind is the decoded print-event discriminator.
type EventKind string

const (
	// Treasury
	KindWithdrawalProposed  EventKind = "withdrawal-proposed"
	KindWithdrawalApproved  EventKind = "withdrawal-approved"
	KindWithdrawalExecuted  EventKind = "withdrawal-executed"
	KindAdminChangeProposed EventKind = "admin-change-proposed"
	KindAdminChangeApproved EventKind = "admin-change-approved"
	KindAdminChangeExecuted EventKind = "admin-change-executed"
	KindFeeCollected        EventKind = "fee-collected"

	// Marketplace (listings and the underlying payment streams)
	KindStreamListed             EventKind = "stream-listed"
	KindListingCancelled         EventKind = "listing-cancelled"
	KindPurchaseInitiated        EventKind = "purchase-initiated"
	KindDirectPurchaseCompleted  EventKind = "direct-purchase-completed"
	KindGatewayPurchaseCompleted EventKind = "gateway-purchase-completed"
	KindPurchaseExpired          EventKind = "purchase-expired"
	KindStreamCreated            EventKind = "stream-created"
	KindStreamCancelled          EventKind = "stream-cancelled"
	KindStreamCompleted          EventKind = "stream-completed"
	KindStreamWithdrawn          EventKind = "stream-withdrawn"

	// Access control
	KindAdminAdded       EventKind = "admin-added"
	KindAdminRemoved     EventKind = "admin-removed"
	KindThresholdUpdated EventKind = "threshold-updated"

	// NFT (obligation = payer side, recipient = payee side of a stream)
	KindObligationMinted      EventKind = "obligation-minted"
	KindObligationTransferred EventKind = "obligation-transferred"
	KindRecipientMinted       EventKind = "recipient-minted"
	KindRecipientTransferred  EventKind = "recipient-transferred"
)

var kindFamilies = map[EventKind]Family{
	KindWithdrawalProposed:  FamilyTreasury,
	KindWithdrawalApproved:  FamilyTreasury,
	KindWithdrawalExecuted:  FamilyTreasury,
	KindAdminChangeProposed: FamilyTreasury,
	KindAdminChangeApproved: FamilyTreasury,
	KindAdminChangeExecuted: FamilyTreasury,
	KindFeeCollected:        FamilyTreasury,

	KindStreamListed:             FamilyMarketplace,
	KindListingCancelled:         FamilyMarketplace,
	KindPurchaseInitiated:        FamilyMarketplace,
	KindDirectPurchaseCompleted:  FamilyMarketplace,
	KindGatewayPurchaseCompleted: FamilyMarketplace,
	KindPurchaseExpired:          FamilyMarketplace,
	KindStreamCreated:            FamilyMarketplace,
	KindStreamCancelled:          FamilyMarketplace,
	KindStreamCompleted:          FamilyMarketplace,
	KindStreamWithdrawn:          FamilyMarketplace,

	KindAdminAdded:       FamilyAccessControl,
	KindAdminRemoved:     FamilyAccessControl,
	KindThresholdUpdated: FamilyAccessControl,

	KindObligationMinted:      FamilyNFT,
	KindObligationTransferred: FamilyNFT,
	KindRecipientMinted:       FamilyNFT,
	KindRecipientTransferred:  FamilyNFT,
}

// Family returns the reducer family owning this kind, or "" if unknown.
func (k EventKind) Family() Family {
	return kindFamilies[k]
}

// KindsForFamily returns the event kinds a family's endpoint accepts,
// in a stable order. Used by the gateway's GET descriptor.
func KindsForFamily(f Family) []string {
	var kinds []string
	for _, k := range kindOrder {
		if kindFamilies[k] == f {
			kinds = append(kinds, string(k))
		}
	}
	return kinds
}

var kindOrder = []EventKind{
	KindWithdrawalProposed, KindWithdrawalApproved, KindWithdrawalExecuted,
	KindAdminChangeProposed, KindAdminChangeApproved, KindAdminChangeExecuted,
	KindFeeCollected,
	KindStreamListed, KindListingCancelled, KindPurchaseInitiated,
	KindDirectPurchaseCompleted, KindGatewayPurchaseCompleted, KindPurchaseExpired,
	KindStreamCreated, KindStreamCancelled, KindStreamCompleted, KindStreamWithdrawn,
	KindAdminAdded, KindAdminRemoved, KindThresholdUpdated,
	KindObligationMinted, KindObligationTransferred,
	KindRecipientMinted, KindRecipientTransferred,
}

// EventContext carries the chain lineage of a decoded event. It is built
// once per transaction and stamped onto every event extracted from it;
// ContractID is overridden per raw event since one transaction may touch
// several contracts.
type EventContext struct {
	TxHash      string
	BlockHeight uint64
	BlockHash   string
	Timestamp   int64
	ContractID  string
}

// Payload is one decoded print-event variant. The set of implementations
// is closed: the extractor only ever produces the types in this package.
type Payload interface {
	Kind() EventKind
	// EntityRef identifies the entity this event mutates, used for the
	// applied-event journal and replay detection.
	EntityRef() (entityType, entityID string)
}

// Event is a decoded domain event with its chain lineage.
type Event struct {
	Ctx     EventContext
	Payload Payload
}

// Kind is a convenience accessor.
func (e Event) Kind() EventKind { return e.Payload.Kind() }

// Family is a convenience accessor.
func (e Event) Family() Family { return e.Payload.Kind().Family() }
