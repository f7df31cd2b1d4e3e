// Package extract normalizes raw chainhook transaction payloads into typed
// domain events. Decoding is a closed tagged union: the "event"
// discriminator selects the variant, unknown discriminators are skipped so
// new contract event kinds never break ingestion of known ones.
package extract

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/ingest/metrics"
)

// Defaults applied when the contract event omits lifecycle bounds.
const (
	// DefaultTimelockBlocks is the waiting period after proposal creation
	// before execution is allowed (~1 day of Stacks blocks).
	DefaultTimelockBlocks = 144
	// DefaultExpiryBlocks is the proposal validity window (~1 week).
	DefaultExpiryBlocks = 1008
	// DefaultPurchaseWindowSecs bounds a pending purchase.
	DefaultPurchaseWindowSecs = 3600
)

// Extractor turns raw transactions into domain events.
type Extractor struct {
	log *slog.Logger
}

func New() *Extractor {
	return &Extractor{log: slog.Default()}
}

// Extract decodes all print events of one transaction. Failed transactions
// yield nothing. Decode failures are returned alongside the successfully
// decoded events; they never abort the transaction's remaining events.
func (x *Extractor) Extract(block domain.Block, tx domain.Transaction) ([]domain.Event, []error) {
	if !tx.Success {
		return nil, nil
	}

	base := domain.EventContext{
		TxHash:      tx.TxHash,
		BlockHeight: block.Index,
		BlockHash:   block.Hash,
		Timestamp:   block.Timestamp,
	}

	var events []domain.Event
	var errs []error
	for _, raw := range tx.Events {
		ctx := base
		ctx.ContractID = raw.ContractID

		payload, err := decode(ctx, raw)
		if err != nil {
			x.log.Warn("skipping undecodable event",
				"txHash", tx.TxHash, "contract", raw.ContractID, "error", err)
			metrics.EventsSkipped.WithLabelValues("decode_error").Inc()
			errs = append(errs, err)
			continue
		}
		events = append(events, domain.Event{Ctx: ctx, Payload: payload})
	}
	return events, errs
}

func decode(ctx domain.EventContext, raw domain.RawEvent) (domain.Payload, error) {
	var kind string
	if k, ok := raw.Data["event"]; ok {
		if err := json.Unmarshal(k, &kind); err != nil {
			return nil, fmt.Errorf("invalid event discriminator: %w", err)
		}
	}
	if kind == "" {
		return nil, fmt.Errorf("missing event discriminator")
	}

	// Reassemble the data blob so each variant decodes with plain JSON
	// struct tags.
	blob, err := json.Marshal(raw.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid event data: %w", err)
	}

	switch domain.EventKind(kind) {
	case domain.KindWithdrawalProposed:
		return decodeWithdrawalProposed(ctx, blob)
	case domain.KindWithdrawalApproved:
		var v struct {
			ProposalID uint64 `json:"proposalId"`
			Approver   string `json:"approver"`
			Approvals  int    `json:"approvals"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.ProposalID == 0 || v.Approver == "" {
			return nil, missingFields(kind)
		}
		return domain.WithdrawalApproved{ProposalID: v.ProposalID, Approver: v.Approver, OnChainCount: v.Approvals}, nil

	case domain.KindWithdrawalExecuted:
		var v struct {
			ProposalID uint64 `json:"proposalId"`
			Recipient  string `json:"recipient"`
			Amount     uint64 `json:"amount"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.ProposalID == 0 {
			return nil, missingFields(kind)
		}
		return domain.WithdrawalExecuted{ProposalID: v.ProposalID, Recipient: v.Recipient, Amount: v.Amount}, nil

	case domain.KindAdminChangeProposed:
		var v struct {
			ProposalID     uint64 `json:"proposalId"`
			Proposer       string `json:"proposer"`
			Action         string `json:"action"`
			TargetAdmin    string `json:"targetAdmin"`
			ExpiresAtBlock uint64 `json:"expiresAtBlock"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		action := domain.AdminAction(v.Action)
		if v.ProposalID == 0 || v.Proposer == "" || v.TargetAdmin == "" ||
			(action != domain.AdminActionAdd && action != domain.AdminActionRemove) {
			return nil, missingFields(kind)
		}
		if v.ExpiresAtBlock == 0 {
			v.ExpiresAtBlock = ctx.BlockHeight + DefaultExpiryBlocks
		}
		return domain.AdminChangeProposed{
			ProposalID: v.ProposalID, Proposer: v.Proposer,
			Action: action, TargetAdmin: v.TargetAdmin, ExpiresAtBlock: v.ExpiresAtBlock,
		}, nil

	case domain.KindAdminChangeApproved:
		var v struct {
			ProposalID uint64 `json:"proposalId"`
			Approver   string `json:"approver"`
			Approvals  int    `json:"approvals"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.ProposalID == 0 || v.Approver == "" {
			return nil, missingFields(kind)
		}
		return domain.AdminChangeApproved{ProposalID: v.ProposalID, Approver: v.Approver, OnChainCount: v.Approvals}, nil

	case domain.KindAdminChangeExecuted:
		var v struct {
			ProposalID  uint64 `json:"proposalId"`
			Action      string `json:"action"`
			TargetAdmin string `json:"targetAdmin"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.ProposalID == 0 {
			return nil, missingFields(kind)
		}
		return domain.AdminChangeExecuted{ProposalID: v.ProposalID, Action: domain.AdminAction(v.Action), TargetAdmin: v.TargetAdmin}, nil

	case domain.KindFeeCollected:
		var v struct {
			PaymentID string `json:"paymentId"`
			Payer     string `json:"payer"`
			Amount    uint64 `json:"amount"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.PaymentID == "" || v.Amount == 0 {
			return nil, missingFields(kind)
		}
		return domain.FeeCollected{PaymentID: v.PaymentID, Payer: v.Payer, Amount: v.Amount}, nil

	case domain.KindStreamListed:
		var v struct {
			StreamID uint64 `json:"streamId"`
			Seller   string `json:"seller"`
			Price    uint64 `json:"price"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.StreamID == 0 || v.Seller == "" || v.Price == 0 {
			return nil, missingFields(kind)
		}
		return domain.StreamListed{StreamID: v.StreamID, Seller: v.Seller, Price: v.Price}, nil

	case domain.KindListingCancelled:
		var v struct {
			StreamID uint64 `json:"streamId"`
			Seller   string `json:"seller"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.StreamID == 0 {
			return nil, missingFields(kind)
		}
		return domain.ListingCancelled{StreamID: v.StreamID, Seller: v.Seller}, nil

	case domain.KindPurchaseInitiated:
		var v struct {
			PaymentID string `json:"paymentId"`
			StreamID  uint64 `json:"streamId"`
			Buyer     string `json:"buyer"`
			Seller    string `json:"seller"`
			ExpiresAt int64  `json:"expiresAt"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.PaymentID == "" || v.StreamID == 0 || v.Buyer == "" {
			return nil, missingFields(kind)
		}
		if v.ExpiresAt == 0 {
			v.ExpiresAt = ctx.Timestamp + DefaultPurchaseWindowSecs
		}
		return domain.PurchaseInitiated{
			PaymentID: v.PaymentID, StreamID: v.StreamID,
			Buyer: v.Buyer, Seller: v.Seller, ExpiresAt: v.ExpiresAt,
		}, nil

	case domain.KindDirectPurchaseCompleted, domain.KindGatewayPurchaseCompleted:
		var v struct {
			PaymentID string `json:"paymentId"`
			StreamID  uint64 `json:"streamId"`
			Buyer     string `json:"buyer"`
			Price     uint64 `json:"price"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.PaymentID == "" || v.StreamID == 0 {
			return nil, missingFields(kind)
		}
		if domain.EventKind(kind) == domain.KindDirectPurchaseCompleted {
			return domain.DirectPurchaseCompleted{PaymentID: v.PaymentID, StreamID: v.StreamID, Buyer: v.Buyer, Price: v.Price}, nil
		}
		return domain.GatewayPurchaseCompleted{PaymentID: v.PaymentID, StreamID: v.StreamID, Buyer: v.Buyer, Price: v.Price}, nil

	case domain.KindPurchaseExpired:
		var v struct {
			PaymentID string `json:"paymentId"`
			StreamID  uint64 `json:"streamId"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.PaymentID == "" {
			return nil, missingFields(kind)
		}
		return domain.PurchaseExpired{PaymentID: v.PaymentID, StreamID: v.StreamID}, nil

	case domain.KindStreamCreated:
		var v struct {
			StreamID   uint64 `json:"streamId"`
			Sender     string `json:"sender"`
			Recipient  string `json:"recipient"`
			Amount     uint64 `json:"amount"`
			StartBlock uint64 `json:"startBlock"`
			EndBlock   uint64 `json:"endBlock"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.StreamID == 0 || v.Sender == "" || v.Recipient == "" || v.EndBlock <= v.StartBlock {
			return nil, missingFields(kind)
		}
		return domain.StreamCreated{
			StreamID: v.StreamID, Sender: v.Sender, Recipient: v.Recipient,
			Amount: v.Amount, StartBlock: v.StartBlock, EndBlock: v.EndBlock,
		}, nil

	case domain.KindStreamCancelled, domain.KindStreamCompleted:
		var v struct {
			StreamID uint64 `json:"streamId"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.StreamID == 0 {
			return nil, missingFields(kind)
		}
		if domain.EventKind(kind) == domain.KindStreamCancelled {
			return domain.StreamCancelled{StreamID: v.StreamID}, nil
		}
		return domain.StreamCompleted{StreamID: v.StreamID}, nil

	case domain.KindStreamWithdrawn:
		var v struct {
			StreamID  uint64 `json:"streamId"`
			Recipient string `json:"recipient"`
			Amount    uint64 `json:"amount"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.StreamID == 0 || v.Amount == 0 {
			return nil, missingFields(kind)
		}
		return domain.StreamWithdrawn{StreamID: v.StreamID, Recipient: v.Recipient, Amount: v.Amount}, nil

	case domain.KindAdminAdded:
		var v struct {
			Admin   string `json:"admin"`
			AddedBy string `json:"addedBy"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.Admin == "" {
			return nil, missingFields(kind)
		}
		return domain.AdminAdded{Admin: v.Admin, AddedBy: v.AddedBy}, nil

	case domain.KindAdminRemoved:
		var v struct {
			Admin     string `json:"admin"`
			RemovedBy string `json:"removedBy"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.Admin == "" {
			return nil, missingFields(kind)
		}
		return domain.AdminRemoved{Admin: v.Admin, RemovedBy: v.RemovedBy}, nil

	case domain.KindThresholdUpdated:
		var v struct {
			OldThreshold int `json:"oldThreshold"`
			NewThreshold int `json:"newThreshold"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.NewThreshold <= 0 {
			return nil, missingFields(kind)
		}
		return domain.ThresholdUpdated{OldThreshold: v.OldThreshold, NewThreshold: v.NewThreshold}, nil

	case domain.KindObligationMinted, domain.KindRecipientMinted:
		var v struct {
			TokenID  uint64 `json:"tokenId"`
			StreamID uint64 `json:"streamId"`
			Owner    string `json:"owner"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.TokenID == 0 || v.StreamID == 0 || v.Owner == "" {
			return nil, missingFields(kind)
		}
		if domain.EventKind(kind) == domain.KindObligationMinted {
			return domain.ObligationMinted{TokenID: v.TokenID, StreamID: v.StreamID, Owner: v.Owner}, nil
		}
		return domain.RecipientMinted{TokenID: v.TokenID, StreamID: v.StreamID, Owner: v.Owner}, nil

	case domain.KindObligationTransferred, domain.KindRecipientTransferred:
		var v struct {
			TokenID  uint64 `json:"tokenId"`
			StreamID uint64 `json:"streamId"`
			From     string `json:"from"`
			To       string `json:"to"`
		}
		if err := json.Unmarshal(blob, &v); err != nil {
			return nil, decodeErr(kind, err)
		}
		if v.TokenID == 0 || v.To == "" {
			return nil, missingFields(kind)
		}
		if domain.EventKind(kind) == domain.KindObligationTransferred {
			return domain.ObligationTransferred{TokenID: v.TokenID, StreamID: v.StreamID, From: v.From, To: v.To}, nil
		}
		return domain.RecipientTransferred{TokenID: v.TokenID, StreamID: v.StreamID, From: v.From, To: v.To}, nil

	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

func decodeWithdrawalProposed(ctx domain.EventContext, blob []byte) (domain.Payload, error) {
	var v struct {
		ProposalID             uint64 `json:"proposalId"`
		Proposer               string `json:"proposer"`
		Recipient              string `json:"recipient"`
		Amount                 uint64 `json:"amount"`
		Description            string `json:"description"`
		TimelockExpiresAtBlock uint64 `json:"timelockExpiresAtBlock"`
		ExpiresAtBlock         uint64 `json:"expiresAtBlock"`
	}
	if err := json.Unmarshal(blob, &v); err != nil {
		return nil, decodeErr(string(domain.KindWithdrawalProposed), err)
	}
	if v.ProposalID == 0 || v.Proposer == "" || v.Amount == 0 {
		return nil, missingFields(string(domain.KindWithdrawalProposed))
	}
	if v.TimelockExpiresAtBlock == 0 {
		v.TimelockExpiresAtBlock = ctx.BlockHeight + DefaultTimelockBlocks
	}
	if v.ExpiresAtBlock == 0 {
		v.ExpiresAtBlock = ctx.BlockHeight + DefaultExpiryBlocks
	}
	return domain.WithdrawalProposed{
		ProposalID:             v.ProposalID,
		Proposer:               v.Proposer,
		Recipient:              v.Recipient,
		Amount:                 v.Amount,
		Description:            v.Description,
		TimelockExpiresAtBlock: v.TimelockExpiresAtBlock,
		ExpiresAtBlock:         v.ExpiresAtBlock,
	}, nil
}

func decodeErr(kind string, err error) error {
	return fmt.Errorf("failed to decode %s event: %w", kind, err)
}

func missingFields(kind string) error {
	return fmt.Errorf("%s event is missing required fields", kind)
}
