package domain

import "encoding/json"

// InboundPayload is the body of one chainhook delivery. A meaningful
// delivery carries at least one apply or rollback block; a reorg delivery
// carries both and rollback blocks are always processed first.
type InboundPayload struct {
	ChainhookID string  `json:"chainhookId"`
	Apply       []Block `json:"apply"`
	Rollback    []Block `json:"rollback"`
}

// Block is one confirmed (or, in rollback, orphaned) block as described by
// the notifier. Apply blocks arrive ordered ascending by Index.
type Block struct {
	Index        uint64        `json:"index"`
	Hash         string        `json:"hash"`
	Timestamp    int64         `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
}

// Transaction is one transaction inside a delivered block. Only successful
// transactions yield domain events.
type Transaction struct {
	TxHash  string     `json:"txHash"`
	Success bool       `json:"success"`
	Events  []RawEvent `json:"events"`
}

// RawEvent is an undecoded contract print event. Data carries the event
// discriminator under the "event" key plus event-specific fields.
type RawEvent struct {
	ContractID string                     `json:"contract_identifier"`
	Data       map[string]json.RawMessage `json:"data"`
}
