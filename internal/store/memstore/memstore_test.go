package memstore

import (
	"context"
	"errors"
	"liveauction/internal/auctionerrors"
	"liveauction/internal/models"
	"liveauction/internal/store"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 7, 27, 16, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateAuction(context.Background(), &models.Auction{
		ID:              id,
		SellerID:        "seller",
		StartingPrice:   100,
		CurrentPrice:    100,
		MinBidIncrement: 10,
		StartTime:       t0,
		EndTime:         t0.Add(time.Hour),
		Status:          models.StatusActive,
	}))
}

func TestWithAuctionLock_NotFound(t *testing.T) {
	s := New(time.Second)
	called := false
	err := s.WithAuctionLock(context.Background(), "missing", func(store.AuctionTx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, auctionerrors.ErrNotFound)
	require.False(t, called)
}

func TestWithAuctionLock_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	seed(t, s, "a1")

	boom := errors.New("boom")
	err := s.WithAuctionLock(ctx, "a1", func(tx store.AuctionTx) error {
		require.NoError(t, tx.InsertBid(ctx, &models.Bid{ID: "b0", AuctionID: "a1", BidderID: "u1", Amount: 500}))
		require.NoError(t, tx.UpdatePriceAndEnd(ctx, 500, t0.Add(2*time.Hour)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, err := s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 100.0, a.CurrentPrice)
	require.Equal(t, t0.Add(time.Hour), a.EndTime)
	bids, err := s.ListBids(ctx, "a1", 0)
	require.NoError(t, err)
	require.Empty(t, bids)

	err = s.WithAuctionLock(ctx, "a1", func(tx store.AuctionTx) error {
		if err := tx.InsertBid(ctx, &models.Bid{ID: "b1", AuctionID: "a1", BidderID: "u1", Amount: 110, CreatedAt: t0}); err != nil {
			return err
		}
		return tx.UpdatePriceAndEnd(ctx, 110, t0.Add(time.Hour))
	})
	require.NoError(t, err)

	a, err = s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 110.0, a.CurrentPrice)
	bids, err = s.ListBids(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	require.Equal(t, "b1", bids[0].ID)
}

func TestWithAuctionLock_BusyAfterTimeout(t *testing.T) {
	ctx := context.Background()
	s := New(50 * time.Millisecond)
	seed(t, s, "a1")

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithAuctionLock(ctx, "a1", func(store.AuctionTx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	err := s.WithAuctionLock(ctx, "a1", func(store.AuctionTx) error { return nil })
	require.ErrorIs(t, err, auctionerrors.ErrBusy)
	require.True(t, auctionerrors.IsRetryable(err))
	close(done)
}

func TestWithAuctionLock_NoCrossAuctionBlocking(t *testing.T) {
	ctx := context.Background()
	s := New(50 * time.Millisecond)
	seed(t, s, "a1")
	seed(t, s, "a2")

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithAuctionLock(ctx, "a1", func(store.AuctionTx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	err := s.WithAuctionLock(ctx, "a2", func(tx store.AuctionTx) error {
		return tx.UpdatePriceAndEnd(ctx, 120, t0.Add(time.Hour))
	})
	require.NoError(t, err)
}

func TestWithAuctionLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	s := New(5 * time.Second)
	seed(t, s, "a1")

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithAuctionLock(ctx, "a1", func(tx store.AuctionTx) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				a := tx.Auction()
				err := tx.UpdatePriceAndEnd(ctx, a.CurrentPrice+1, a.EndTime)
				atomic.AddInt32(&inside, -1)
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, maxInside)
	a, err := s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 132.0, a.CurrentPrice)
}

func TestHighestBid_TieBreaksOnEarliest(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	seed(t, s, "a1")

	require.NoError(t, s.WithAuctionLock(ctx, "a1", func(tx store.AuctionTx) error {
		require.NoError(t, tx.InsertBid(ctx, &models.Bid{ID: "late", AuctionID: "a1", BidderID: "u2", Amount: 200, CreatedAt: t0.Add(time.Second)}))
		require.NoError(t, tx.InsertBid(ctx, &models.Bid{ID: "early", AuctionID: "a1", BidderID: "u1", Amount: 200, CreatedAt: t0}))
		require.NoError(t, tx.InsertBid(ctx, &models.Bid{ID: "low", AuctionID: "a1", BidderID: "u3", Amount: 150, CreatedAt: t0}))
		return nil
	}))

	require.NoError(t, s.WithAuctionLock(ctx, "a1", func(tx store.AuctionTx) error {
		hb, err := tx.HighestBid(ctx)
		require.NoError(t, err)
		require.Equal(t, "early", hb.ID)
		n, err := tx.CountBids(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, n)
		return nil
	}))
}

func TestTerminalTransitionsAreOneWay(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	seed(t, s, "a1")

	require.NoError(t, s.WithAuctionLock(ctx, "a1", func(tx store.AuctionTx) error {
		return tx.MarkExpired(ctx)
	}))
	err := s.WithAuctionLock(ctx, "a1", func(tx store.AuctionTx) error {
		return tx.MarkSold(ctx, "u1", 5)
	})
	require.Error(t, err)
	err = s.WithAuctionLock(ctx, "a1", func(tx store.AuctionTx) error {
		return tx.UpdatePriceAndEnd(ctx, 500, t0.Add(2*time.Hour))
	})
	require.Error(t, err)

	a, err := s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, models.StatusExpired, a.Status)
	require.Empty(t, a.WinnerID)
}

func TestListEndedAuctionIDs(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	seed(t, s, "a1")
	seed(t, s, "a2")

	ids, err := s.ListEndedAuctionIDs(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Empty(t, ids)

	ids, err = s.ListEndedAuctionIDs(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a1", "a2"}, ids)
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)

	p, err := s.BidderProfile(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, p.PhoneVerified)

	s.SetProfile(models.BidderProfile{UserID: "u1", PhoneVerified: true})
	p, err = s.BidderProfile(ctx, "u1")
	require.NoError(t, err)
	require.True(t, p.PhoneVerified)

	s.HoldDeposit("u1", "a1", true)
	ok, err := s.HasActiveDeposit(ctx, "u1", "a1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.HasActiveDeposit(ctx, "u1", "a2")
	require.NoError(t, err)
	require.False(t, ok)
}
