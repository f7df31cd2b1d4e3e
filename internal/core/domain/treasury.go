package domain

import "strconv"

// ProposalStatus is the lifecycle state of a treasury proposal. Transitions
// only move forward: pending -> executed or pending -> expired.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalExecuted ProposalStatus = "executed"
	ProposalExpired  ProposalStatus = "expired"
)

// AdminAction is the kind of admin-change a proposal requests.
type AdminAction string

const (
	AdminActionAdd    AdminAction = "add"
	AdminActionRemove AdminAction = "remove"
)

const (
	EntityWithdrawalProposal = "withdrawal_proposal"
	EntityAdminProposal      = "admin_proposal"
	EntityFeeRecord          = "fee_record"
)

// WithdrawalProposal is a multi-sig treasury withdrawal in flight.
// Approvals always contains the proposer (auto-approval on creation) and
// has set semantics: re-approval by the same principal never double-counts.
type WithdrawalProposal struct {
	ID                     uint64         `db:"id"`
	Proposer               string         `db:"proposer"`
	Recipient              string         `db:"recipient"`
	Amount                 uint64         `db:"amount"`
	Description            string         `db:"description"`
	Approvals              []string       `db:"-"`
	Status                 ProposalStatus `db:"status"`
	ProposedAtBlock        uint64         `db:"proposed_at_block"`
	TimelockExpiresAtBlock uint64         `db:"timelock_expires_at_block"`
	ExpiresAtBlock         uint64         `db:"expires_at_block"`
	ExecutedAtBlock        uint64         `db:"executed_at_block"`
	ExecutedTxHash         string         `db:"executed_tx_hash"`
}

// EffectiveStatus folds height-based expiry into the stored status. Expiry
// is never written back from a read path; it is derived so every replica
// sees the same view without write-on-read divergence.
func (p *WithdrawalProposal) EffectiveStatus(currentBlock uint64) ProposalStatus {
	if p.Status == ProposalPending && currentBlock > p.ExpiresAtBlock {
		return ProposalExpired
	}
	return p.Status
}

// Executable reports whether the proposal can be executed at currentBlock
// given the treasury's approval threshold.
func (p *WithdrawalProposal) Executable(threshold int, currentBlock uint64) bool {
	return p.EffectiveStatus(currentBlock) == ProposalPending &&
		len(p.Approvals) >= threshold &&
		currentBlock >= p.TimelockExpiresAtBlock
}

// AdminProposal is a multi-sig admin add/remove in flight. It follows the
// same create/approve/execute shape as withdrawals.
type AdminProposal struct {
	ID              uint64      `db:"id"`
	Proposer        string      `db:"proposer"`
	Action          AdminAction `db:"action"`
	TargetAdmin     string      `db:"target_admin"`
	Approvals       []string    `db:"-"`
	Executed        bool        `db:"executed"`
	ProposedAtBlock uint64      `db:"proposed_at_block"`
	ExpiresAtBlock  uint64      `db:"expires_at_block"`
	ExecutedTxHash  string      `db:"executed_tx_hash"`
}

// FeeRecord is one protocol fee collection, keyed by the collecting
// transaction so a reorg can remove it precisely.
type FeeRecord struct {
	TxHash      string `db:"tx_hash"`
	PaymentID   string `db:"payment_id"`
	Payer       string `db:"payer"`
	Amount      uint64 `db:"amount"`
	BlockHeight uint64 `db:"block_height"`
}

// Treasury event payloads.

type WithdrawalProposed struct {
	ProposalID             uint64
	Proposer               string
	Recipient              string
	Amount                 uint64
	Description            string
	TimelockExpiresAtBlock uint64
	ExpiresAtBlock         uint64
}

func (WithdrawalProposed) Kind() EventKind { return KindWithdrawalProposed }
func (e WithdrawalProposed) EntityRef() (string, string) {
	return EntityWithdrawalProposal, strconv.FormatUint(e.ProposalID, 10)
}

type WithdrawalApproved struct {
	ProposalID uint64
	Approver   string
	// OnChainCount is the contract's own approval tally when present in the
	// event payload; 0 means absent. The locally tracked set is
	// authoritative, this is only cross-checked.
	OnChainCount int
}

func (WithdrawalApproved) Kind() EventKind { return KindWithdrawalApproved }
func (e WithdrawalApproved) EntityRef() (string, string) {
	return EntityWithdrawalProposal, strconv.FormatUint(e.ProposalID, 10)
}

type WithdrawalExecuted struct {
	ProposalID uint64
	Recipient  string
	Amount     uint64
}

func (WithdrawalExecuted) Kind() EventKind { return KindWithdrawalExecuted }
func (e WithdrawalExecuted) EntityRef() (string, string) {
	return EntityWithdrawalProposal, strconv.FormatUint(e.ProposalID, 10)
}

type AdminChangeProposed struct {
	ProposalID     uint64
	Proposer       string
	Action         AdminAction
	TargetAdmin    string
	ExpiresAtBlock uint64
}

func (AdminChangeProposed) Kind() EventKind { return KindAdminChangeProposed }
func (e AdminChangeProposed) EntityRef() (string, string) {
	return EntityAdminProposal, strconv.FormatUint(e.ProposalID, 10)
}

type AdminChangeApproved struct {
	ProposalID   uint64
	Approver     string
	OnChainCount int
}

func (AdminChangeApproved) Kind() EventKind { return KindAdminChangeApproved }
func (e AdminChangeApproved) EntityRef() (string, string) {
	return EntityAdminProposal, strconv.FormatUint(e.ProposalID, 10)
}

type AdminChangeExecuted struct {
	ProposalID  uint64
	Action      AdminAction
	TargetAdmin string
}

func (AdminChangeExecuted) Kind() EventKind { return KindAdminChangeExecuted }
func (e AdminChangeExecuted) EntityRef() (string, string) {
	return EntityAdminProposal, strconv.FormatUint(e.ProposalID, 10)
}

type FeeCollected struct {
	PaymentID string
	Payer     string
	Amount    uint64
}

func (FeeCollected) Kind() EventKind { return KindFeeCollected }
func (e FeeCollected) EntityRef() (string, string) {
	return EntityFeeRecord, e.PaymentID
}
