// Package memstore is a single-instance Store. Each auction id owns a
// one-slot semaphore which plays the role of the row lock; writes made
// inside WithAuctionLock are staged on a private copy and published only
// when the callback succeeds.
package memstore

import (
	"context"
	"fmt"
	"liveauction/internal/auctionerrors"
	"liveauction/internal/models"
	"liveauction/internal/store"
	"sort"
	"sync"
	"time"
)

type depositKey struct {
	bidderID  string
	auctionID string
}

type Store struct {
	mu       sync.RWMutex
	auctions map[string]*models.Auction
	bids     map[string][]models.Bid
	seq      int64
	profiles map[string]models.BidderProfile
	deposits map[depositKey]bool

	locks       sync.Map // auctionID -> chan struct{}
	lockTimeout time.Duration
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Directory = (*Store)(nil)
)

func New(lockTimeout time.Duration) *Store {
	return &Store{
		auctions:    make(map[string]*models.Auction),
		bids:        make(map[string][]models.Bid),
		profiles:    make(map[string]models.BidderProfile),
		deposits:    make(map[depositKey]bool),
		lockTimeout: lockTimeout,
	}
}

func (s *Store) WithAuctionLock(ctx context.Context, auctionID string, fn func(tx store.AuctionTx) error) error {
	// Auctions are never removed, so an existence check outside the lock is
	// stable and keeps lock entries from piling up for unknown ids.
	s.mu.RLock()
	_, ok := s.auctions[auctionID]
	s.mu.RUnlock()
	if !ok {
		return auctionerrors.ErrNotFound
	}

	release, err := s.acquire(ctx, auctionID)
	if err != nil {
		return err
	}
	defer release()

	s.mu.RLock()
	tx := &memTx{
		store:   s,
		auction: s.auctions[auctionID].Clone(),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) acquire(ctx context.Context, auctionID string) (func(), error) {
	v, ok := s.locks.Load(auctionID)
	if !ok {
		v, _ = s.locks.LoadOrStore(auctionID, make(chan struct{}, 1))
	}
	sem := v.(chan struct{})
	release := func() { <-sem }

	select {
	case sem <- struct{}{}:
		return release, nil
	default:
	}

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, auctionerrors.ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) commit(tx *memTx) {
	if !tx.dirty && len(tx.staged) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := tx.auction.ID
	for _, b := range tx.staged {
		s.seq++
		b.Seq = s.seq
		s.bids[id] = append(s.bids[id], b)
	}
	if tx.dirty {
		s.auctions[id] = tx.auction.Clone()
	}
}

func (s *Store) CreateAuction(_ context.Context, a *models.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("memstore: auction %s already exists", a.ID)
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *Store) GetAuction(_ context.Context, id string) (*models.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, auctionerrors.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Store) ListAuctions(_ context.Context, f models.AuctionFilter) ([]models.Auction, error) {
	s.mu.RLock()
	out := make([]models.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Category != "" && a.Category != f.Category {
			continue
		}
		if f.SellerID != "" && a.SellerID != f.SellerID {
			continue
		}
		out = append(out, *a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndTime.Equal(out[j].EndTime) {
			return out[i].EndTime.Before(out[j].EndTime)
		}
		return out[i].ID < out[j].ID
	})

	if f.Offset >= len(out) {
		return []models.Auction{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListEndedAuctionIDs(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	ended := make([]*models.Auction, 0)
	for _, a := range s.auctions {
		if a.Status == models.StatusActive && !a.EndTime.After(now) {
			ended = append(ended, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(ended, func(i, j int) bool { return ended[i].EndTime.Before(ended[j].EndTime) })
	ids := make([]string, len(ended))
	for i, a := range ended {
		ids[i] = a.ID
	}
	return ids, nil
}

func (s *Store) ListBids(_ context.Context, auctionID string, limit int) ([]models.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bids := s.bids[auctionID]
	n := len(bids)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Bid, 0, n)
	for i := len(bids) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, bids[i])
	}
	return out, nil
}

// SetProfile registers what the identity collaborator knows about a user.
func (s *Store) SetProfile(p models.BidderProfile) {
	s.mu.Lock()
	s.profiles[p.UserID] = p
	s.mu.Unlock()
}

// HoldDeposit marks a deposit as held (held=true) or released.
func (s *Store) HoldDeposit(bidderID, auctionID string, held bool) {
	s.mu.Lock()
	s.deposits[depositKey{bidderID, auctionID}] = held
	s.mu.Unlock()
}

func (s *Store) BidderProfile(_ context.Context, userID string) (models.BidderProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return models.BidderProfile{UserID: userID}, nil
	}
	return p, nil
}

func (s *Store) HasActiveDeposit(_ context.Context, bidderID, auctionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deposits[depositKey{bidderID, auctionID}], nil
}

// memTx stages writes for one locked auction.
type memTx struct {
	store   *Store
	auction *models.Auction
	staged  []models.Bid
	dirty   bool
}

func (tx *memTx) Auction() *models.Auction { return tx.auction.Clone() }

func (tx *memTx) HighestBid(_ context.Context) (*models.Bid, error) {
	tx.store.mu.RLock()
	committed := tx.store.bids[tx.auction.ID]
	var best *models.Bid
	for i := range committed {
		if best == nil || committed[i].Outranks(*best) {
			b := committed[i]
			best = &b
		}
	}
	tx.store.mu.RUnlock()

	for i := range tx.staged {
		if best == nil || tx.staged[i].Outranks(*best) {
			b := tx.staged[i]
			best = &b
		}
	}
	return best, nil
}

func (tx *memTx) CountBids(_ context.Context) (int, error) {
	tx.store.mu.RLock()
	n := len(tx.store.bids[tx.auction.ID])
	tx.store.mu.RUnlock()
	return n + len(tx.staged), nil
}

func (tx *memTx) InsertBid(_ context.Context, bid *models.Bid) error {
	if bid.AuctionID != tx.auction.ID {
		return fmt.Errorf("memstore: bid for %s inserted under lock of %s", bid.AuctionID, tx.auction.ID)
	}
	// Staged bids sort after every committed one.
	bid.Seq = int64(1<<62) + int64(len(tx.staged))
	tx.staged = append(tx.staged, *bid)
	return nil
}

func (tx *memTx) UpdatePriceAndEnd(_ context.Context, price float64, endTime time.Time) error {
	a := tx.auction
	if a.Status != models.StatusActive {
		return fmt.Errorf("memstore: update price of %s auction %s", a.Status, a.ID)
	}
	if price < a.CurrentPrice || endTime.Before(a.EndTime) {
		return fmt.Errorf("memstore: non-monotonic update of auction %s", a.ID)
	}
	a.CurrentPrice = price
	a.EndTime = endTime
	a.UpdatedAt = time.Now().UTC()
	tx.dirty = true
	return nil
}

func (tx *memTx) MarkSold(_ context.Context, winnerID string, commission float64) error {
	if winnerID == "" {
		return fmt.Errorf("memstore: sold auction %s needs a winner", tx.auction.ID)
	}
	if err := tx.terminate(models.StatusSold); err != nil {
		return err
	}
	tx.auction.WinnerID = winnerID
	tx.auction.CommissionEarned = commission
	return nil
}

func (tx *memTx) MarkExpired(_ context.Context) error {
	return tx.terminate(models.StatusExpired)
}

func (tx *memTx) MarkCancelled(_ context.Context) error {
	return tx.terminate(models.StatusCancelled)
}

func (tx *memTx) terminate(st models.AuctionStatus) error {
	a := tx.auction
	if a.Status != models.StatusActive {
		return fmt.Errorf("memstore: transition %s -> %s on auction %s", a.Status, st, a.ID)
	}
	a.Status = st
	a.UpdatedAt = time.Now().UTC()
	tx.dirty = true
	return nil
}
