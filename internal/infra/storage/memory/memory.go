package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/stxstream/ingest/internal/core/domain"
	"github.com/stxstream/ingest/internal/infra/storage"
)

// Store is an in-memory implementation of every repository interface. It
// backs tests and secret-free local runs (no database URL configured).
type Store struct {
	mu sync.RWMutex

	withdrawals        map[uint64]*domain.WithdrawalProposal
	withdrawalApproval map[uint64][]approval
	admins             map[uint64]*domain.AdminProposal
	adminApproval      map[uint64][]approval

	streams   map[uint64]*domain.Stream
	listings  map[uint64]*domain.Listing
	purchases map[string]*domain.PendingPurchase

	fees map[string]*domain.FeeRecord
	nfts map[string]*domain.NFTOwnership

	journal  []*domain.AppliedEvent
	seen     map[string]struct{}
	nextJID  int64
	listedAt []uint64
}

type approval struct {
	approver string
	txHash   string
}

func NewStore() *Store {
	return &Store{
		withdrawals:        make(map[uint64]*domain.WithdrawalProposal),
		withdrawalApproval: make(map[uint64][]approval),
		admins:             make(map[uint64]*domain.AdminProposal),
		adminApproval:      make(map[uint64][]approval),
		streams:            make(map[uint64]*domain.Stream),
		listings:           make(map[uint64]*domain.Listing),
		purchases:          make(map[string]*domain.PendingPurchase),
		fees:               make(map[string]*domain.FeeRecord),
		nfts:               make(map[string]*domain.NFTOwnership),
		seen:               make(map[string]struct{}),
		nextJID:            1,
	}
}

// -----------------------------------------------------------------------------
// ProposalRepository
// -----------------------------------------------------------------------------

func (s *Store) CreateWithdrawal(ctx context.Context, p *domain.WithdrawalProposal, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.withdrawals[p.ID]; ok {
		return false, nil
	}
	cp := *p
	cp.Approvals = nil
	s.withdrawals[p.ID] = &cp
	for _, a := range p.Approvals {
		s.withdrawalApproval[p.ID] = append(s.withdrawalApproval[p.ID], approval{approver: a, txHash: txHash})
	}
	return true, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id uint64) (*domain.WithdrawalProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.withdrawals[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	for _, a := range s.withdrawalApproval[id] {
		cp.Approvals = append(cp.Approvals, a.approver)
	}
	return &cp, nil
}

func (s *Store) PendingWithdrawals(ctx context.Context) ([]*domain.WithdrawalProposal, error) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.withdrawals))
	for id, p := range s.withdrawals {
		if p.Status == domain.ProposalPending {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	out := make([]*domain.WithdrawalProposal, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetWithdrawal(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) AddApproval(ctx context.Context, id uint64, approver, txHash string) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.withdrawals[id]; !ok {
		return false, 0, storage.ErrNotFound
	}
	for _, a := range s.withdrawalApproval[id] {
		if a.approver == approver {
			return false, len(s.withdrawalApproval[id]), nil
		}
	}
	s.withdrawalApproval[id] = append(s.withdrawalApproval[id], approval{approver: approver, txHash: txHash})
	return true, len(s.withdrawalApproval[id]), nil
}

func (s *Store) RemoveApprovalByTx(ctx context.Context, id uint64, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.withdrawalApproval[id]
	for i, a := range list {
		if a.txHash == txHash {
			s.withdrawalApproval[id] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) MarkExecuted(ctx context.Context, id uint64, txHash string, blockHeight uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.withdrawals[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if p.Status != domain.ProposalPending {
		return false, nil
	}
	p.Status = domain.ProposalExecuted
	p.ExecutedTxHash = txHash
	p.ExecutedAtBlock = blockHeight
	return true, nil
}

func (s *Store) ClearExecution(ctx context.Context, id uint64, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.withdrawals[id]
	if !ok || p.ExecutedTxHash != txHash {
		return nil
	}
	p.Status = domain.ProposalPending
	p.ExecutedTxHash = ""
	p.ExecutedAtBlock = 0
	return nil
}

func (s *Store) DeleteWithdrawal(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.withdrawals, id)
	delete(s.withdrawalApproval, id)
	return nil
}

func (s *Store) CreateAdmin(ctx context.Context, p *domain.AdminProposal, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[p.ID]; ok {
		return false, nil
	}
	cp := *p
	cp.Approvals = nil
	s.admins[p.ID] = &cp
	for _, a := range p.Approvals {
		s.adminApproval[p.ID] = append(s.adminApproval[p.ID], approval{approver: a, txHash: txHash})
	}
	return true, nil
}

func (s *Store) GetAdmin(ctx context.Context, id uint64) (*domain.AdminProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.admins[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	for _, a := range s.adminApproval[id] {
		cp.Approvals = append(cp.Approvals, a.approver)
	}
	return &cp, nil
}

func (s *Store) AddAdminApproval(ctx context.Context, id uint64, approver, txHash string) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[id]; !ok {
		return false, 0, storage.ErrNotFound
	}
	for _, a := range s.adminApproval[id] {
		if a.approver == approver {
			return false, len(s.adminApproval[id]), nil
		}
	}
	s.adminApproval[id] = append(s.adminApproval[id], approval{approver: approver, txHash: txHash})
	return true, len(s.adminApproval[id]), nil
}

func (s *Store) RemoveAdminApprovalByTx(ctx context.Context, id uint64, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.adminApproval[id]
	for i, a := range list {
		if a.txHash == txHash {
			s.adminApproval[id] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) MarkAdminExecuted(ctx context.Context, id uint64, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.admins[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if p.Executed {
		return false, nil
	}
	p.Executed = true
	p.ExecutedTxHash = txHash
	return true, nil
}

func (s *Store) ClearAdminExecution(ctx context.Context, id uint64, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.admins[id]
	if !ok || p.ExecutedTxHash != txHash {
		return nil
	}
	p.Executed = false
	p.ExecutedTxHash = ""
	return nil
}

func (s *Store) DeleteAdmin(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.admins, id)
	delete(s.adminApproval, id)
	return nil
}

// -----------------------------------------------------------------------------
// MarketRepository
// -----------------------------------------------------------------------------

func (s *Store) CreateStream(ctx context.Context, st *domain.Stream) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[st.ID]; ok {
		return false, nil
	}
	cp := *st
	s.streams[st.ID] = &cp
	return true, nil
}

func (s *Store) GetStream(ctx context.Context, id uint64) (*domain.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) SetStreamStatus(ctx context.Context, id uint64, from, to domain.StreamStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if st.Status != from {
		return false, nil
	}
	st.Status = to
	return true, nil
}

func (s *Store) AddStreamWithdrawal(ctx context.Context, id uint64, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return storage.ErrNotFound
	}
	next := int64(st.Withdrawn) + delta
	if next < 0 {
		next = 0
	}
	st.Withdrawn = uint64(next)
	return nil
}

func (s *Store) SetStreamRecipient(ctx context.Context, id uint64, recipient string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	prev := st.Recipient
	st.Recipient = recipient
	return prev, nil
}

func (s *Store) DeleteStream(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, id)
	return nil
}

func (s *Store) CreateListing(ctx context.Context, l *domain.Listing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, relist := s.listings[l.StreamID]
	if relist {
		// Relisting a previously cancelled/sold stream reactivates the row.
		if existing.Status == domain.ListingStatusActive || existing.Status == domain.ListingStatusPendingPayment {
			return false, nil
		}
	}
	cp := *l
	s.listings[l.StreamID] = &cp
	if !relist {
		s.listedAt = append(s.listedAt, l.StreamID)
	}
	return true, nil
}

func (s *Store) GetListing(ctx context.Context, streamID uint64) (*domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[streamID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *Store) SetListingStatus(ctx context.Context, streamID uint64, from, to domain.ListingStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[streamID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if l.Status != from {
		return false, nil
	}
	l.Status = to
	l.CancelledReason = reason
	return true, nil
}

func (s *Store) OpenListings(ctx context.Context) ([]*domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Listing
	for _, id := range s.listedAt {
		l, ok := s.listings[id]
		if !ok || (l.Status != domain.ListingStatusActive && l.Status != domain.ListingStatusPendingPayment) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) DeleteListing(ctx context.Context, streamID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listings, streamID)
	return nil
}

func (s *Store) CreatePurchase(ctx context.Context, p *domain.PendingPurchase) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.purchases[p.PaymentID]; ok {
		return false, nil
	}
	cp := *p
	s.purchases[p.PaymentID] = &cp
	return true, nil
}

func (s *Store) GetPurchase(ctx context.Context, paymentID string) (*domain.PendingPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.purchases[paymentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) PendingPurchaseForStream(ctx context.Context, streamID uint64) (*domain.PendingPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.purchases {
		if p.StreamID == streamID && p.Status == domain.PurchaseStatusPending {
			cp := *p
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) SetPurchaseStatus(ctx context.Context, paymentID string, from, to domain.PurchaseStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[paymentID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (s *Store) DeletePurchase(ctx context.Context, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.purchases, paymentID)
	return nil
}

// -----------------------------------------------------------------------------
// FeeRepository
// -----------------------------------------------------------------------------

func (s *Store) CreateFee(ctx context.Context, f *domain.FeeRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fees[f.TxHash]; ok {
		return false, nil
	}
	cp := *f
	s.fees[f.TxHash] = &cp
	return true, nil
}

func (s *Store) DeleteFeeByTx(ctx context.Context, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fees, txHash)
	return nil
}

// GetFee is a test helper, not part of FeeRepository.
func (s *Store) GetFee(txHash string) *domain.FeeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fees[txHash]
	if !ok {
		return nil
	}
	cp := *f
	return &cp
}

// -----------------------------------------------------------------------------
// NFTRepository
// -----------------------------------------------------------------------------

func nftKey(class domain.TokenClass, tokenID uint64) string {
	return string(class) + ":" + strconv.FormatUint(tokenID, 10)
}

func (s *Store) UpsertOwnership(ctx context.Context, o *domain.NFTOwnership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.nfts[nftKey(o.Class, o.TokenID)] = &cp
	return nil
}

func (s *Store) GetOwnership(ctx context.Context, class domain.TokenClass, tokenID uint64) (*domain.NFTOwnership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.nfts[nftKey(class, tokenID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) SetOwner(ctx context.Context, class domain.TokenClass, tokenID uint64, owner string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.nfts[nftKey(class, tokenID)]
	if !ok {
		return "", storage.ErrNotFound
	}
	prev := o.Owner
	o.Owner = owner
	return prev, nil
}

func (s *Store) DeleteOwnership(ctx context.Context, class domain.TokenClass, tokenID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nfts, nftKey(class, tokenID))
	return nil
}

// -----------------------------------------------------------------------------
// JournalRepository
// -----------------------------------------------------------------------------

func (s *Store) Append(ctx context.Context, e *domain.AppliedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := e.DedupKey()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	cp := *e
	cp.ID = s.nextJID
	cp.AppliedAt = time.Now()
	if e.Meta != nil {
		cp.Meta = make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			cp.Meta[k] = v
		}
	}
	s.nextJID++
	s.journal = append(s.journal, &cp)
	s.seen[key] = struct{}{}
	e.ID = cp.ID
	return true, nil
}

func (s *Store) Seen(ctx context.Context, txHash string, kind domain.EventKind, entityType, entityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := txHash + ":" + string(kind) + ":" + entityType + ":" + entityID
	_, ok := s.seen[key]
	return ok, nil
}

func (s *Store) ByBlockHash(ctx context.Context, blockHash string) ([]*domain.AppliedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AppliedEvent
	for _, e := range s.journal {
		if e.BlockHash == blockHash {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ByBlockHeight(ctx context.Context, height uint64) ([]*domain.AppliedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AppliedEvent
	for _, e := range s.journal {
		if e.BlockHeight == height {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.journal[:0]
	for _, e := range s.journal {
		if _, ok := drop[e.ID]; ok {
			delete(s.seen, e.DedupKey())
			continue
		}
		kept = append(kept, e)
	}
	s.journal = kept
	return nil
}
