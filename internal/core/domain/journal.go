package domain

import "time"

// AppliedEvent is one row of the applied-event journal: a record that a
// given event was applied to a given entity by a given transaction. The
// journal makes rollback a first-class reverse scan keyed by block, and its
// (tx_hash, kind, entity) uniqueness is the replay guard for duplicate
// webhook deliveries.
type AppliedEvent struct {
	ID          int64             `db:"id"`
	TxHash      string            `db:"tx_hash"`
	BlockHeight uint64            `db:"block_height"`
	BlockHash   string            `db:"block_hash"`
	Kind        EventKind         `db:"kind"`
	EntityType  string            `db:"entity_type"`
	EntityID    string            `db:"entity_id"`
	Meta        map[string]string `db:"-"`
	AppliedAt   time.Time         `db:"applied_at"`
}

// DedupKey is the journal's uniqueness key, also used for the Redis
// fast-path replay check.
func (a *AppliedEvent) DedupKey() string {
	return a.TxHash + ":" + string(a.Kind) + ":" + a.EntityType + ":" + a.EntityID
}

// JournalFor builds a journal row for an event about to be applied.
// Reducers attach revert hints (prior owner, prior status) via Meta.
func JournalFor(evt Event) *AppliedEvent {
	entityType, entityID := evt.Payload.EntityRef()
	return &AppliedEvent{
		TxHash:      evt.Ctx.TxHash,
		BlockHeight: evt.Ctx.BlockHeight,
		BlockHash:   evt.Ctx.BlockHash,
		Kind:        evt.Kind(),
		EntityType:  entityType,
		EntityID:    entityID,
		Meta:        map[string]string{},
	}
}
