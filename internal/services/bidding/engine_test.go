package bidding

import (
	"context"
	"fmt"
	"liveauction/internal/auctionerrors"
	"liveauction/internal/clock"
	"liveauction/internal/events"
	"liveauction/internal/models"
	"liveauction/internal/store"
	"liveauction/internal/store/memstore"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 7, 27, 16, 0, 0, 0, time.UTC)

var defaultPolicy = Policy{
	SoftCloseWindow:    2 * time.Minute,
	SoftCloseExtension: 2 * time.Minute,
	HighValueThreshold: 1000,
}

type recordingSink struct {
	mu     sync.Mutex
	bids   []events.BidAccepted
	closed []events.AuctionClosed
}

func (r *recordingSink) BidAccepted(e events.BidAccepted) {
	r.mu.Lock()
	r.bids = append(r.bids, e)
	r.mu.Unlock()
}

func (r *recordingSink) AuctionClosed(e events.AuctionClosed) {
	r.mu.Lock()
	r.closed = append(r.closed, e)
	r.mu.Unlock()
}

type fixture struct {
	st    *memstore.Store
	clock *clock.Fake
	sink  *recordingSink
	eng   *Engine
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	f := &fixture{
		st:    memstore.New(time.Second),
		clock: clock.NewFake(t0),
		sink:  &recordingSink{},
	}
	f.eng = NewEngine(f.st, f.st, f.clock, f.sink, policy)
	for _, id := range []string{"u1", "u2", "u3"} {
		f.st.SetProfile(models.BidderProfile{UserID: id, Name: "name-" + id, PhoneVerified: true})
	}
	return f
}

// seed creates an auction at price 100, increment 10, ending in 3 minutes.
func (f *fixture) seed(t *testing.T, id string) *models.Auction {
	t.Helper()
	a := &models.Auction{
		ID:              id,
		SellerID:        "seller",
		Title:           "Camera",
		StartingPrice:   100,
		CurrentPrice:    100,
		MinBidIncrement: 10,
		StartTime:       t0.Add(-time.Hour),
		EndTime:         t0.Add(3 * time.Minute),
		Status:          models.StatusActive,
	}
	require.NoError(t, f.st.CreateAuction(context.Background(), a))
	return a
}

func (f *fixture) auction(t *testing.T, id string) *models.Auction {
	t.Helper()
	a, err := f.st.GetAuction(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestExtendEndTime(t *testing.T) {
	end := t0.Add(10 * time.Minute)
	cases := []struct {
		name     string
		now      time.Time
		wantEnd  time.Time
		extended bool
	}{
		{"outside window", end.Add(-2*time.Minute - time.Second), end, false},
		{"exactly at window edge", end.Add(-2 * time.Minute), end.Add(2 * time.Minute), true},
		{"inside window", end.Add(-30 * time.Second), end.Add(2 * time.Minute), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ext := ExtendEndTime(end, tc.now, 2*time.Minute, 2*time.Minute)
			require.Equal(t, tc.wantEnd, got)
			require.Equal(t, tc.extended, ext)
		})
	}
}

func TestPlaceBid_Walkthrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultPolicy)
	a := f.seed(t, "a1")

	_, err := f.eng.PlaceBid(ctx, "a1", "u1", 105)
	require.ErrorIs(t, err, auctionerrors.ErrBidTooLow)
	minRequired, ok := auctionerrors.MinRequired(err)
	require.True(t, ok)
	require.Equal(t, 110.0, minRequired)

	res, err := f.eng.PlaceBid(ctx, "a1", "u1", 110)
	require.NoError(t, err)
	require.Equal(t, a.EndTime, res.NewEndTime)
	require.False(t, res.AntiSnipeTriggered)
	require.Equal(t, 110.0, f.auction(t, "a1").CurrentPrice)

	f.clock.Set(a.EndTime.Add(-90 * time.Second))
	res, err = f.eng.PlaceBid(ctx, "a1", "u2", 150)
	require.NoError(t, err)
	require.True(t, res.AntiSnipeTriggered)
	require.Equal(t, a.EndTime.Add(2*time.Minute), res.NewEndTime)

	got := f.auction(t, "a1")
	require.Equal(t, 150.0, got.CurrentPrice)
	require.Equal(t, a.EndTime.Add(2*time.Minute), got.EndTime)

	bids, err := f.st.ListBids(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	require.Equal(t, "u2", bids[0].BidderID)
	require.Equal(t, res.Bid.ID, bids[0].ID)
}

func TestPlaceBid_ExtensionsAccumulate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultPolicy)
	a := f.seed(t, "a1")

	f.clock.Set(a.EndTime.Add(-time.Minute))
	res, err := f.eng.PlaceBid(ctx, "a1", "u1", 110)
	require.NoError(t, err)
	require.Equal(t, a.EndTime.Add(2*time.Minute), res.NewEndTime)

	f.clock.Advance(2 * time.Minute)
	res, err = f.eng.PlaceBid(ctx, "a1", "u2", 120)
	require.NoError(t, err)
	require.True(t, res.AntiSnipeTriggered)
	require.Equal(t, a.EndTime.Add(4*time.Minute), res.NewEndTime)
}

func TestPlaceBid_Rejections(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		setup   func(t *testing.T, f *fixture)
		auction string
		bidder  string
		amount  float64
		want    error
	}{
		{name: "unknown auction", auction: "nope", bidder: "u1", amount: 200, want: auctionerrors.ErrNotFound},
		{name: "zero amount", auction: "a1", bidder: "u1", amount: 0, want: auctionerrors.ErrInvalidBid},
		{name: "negative amount", auction: "a1", bidder: "u1", amount: -5, want: auctionerrors.ErrInvalidBid},
		{name: "missing bidder", auction: "a1", bidder: "", amount: 200, want: auctionerrors.ErrInvalidBid},
		{
			name: "seller bids on own auction",
			setup: func(t *testing.T, f *fixture) {
				f.st.SetProfile(models.BidderProfile{UserID: "seller", PhoneVerified: true})
			},
			auction: "a1", bidder: "seller", amount: 200, want: auctionerrors.ErrSelfBid,
		},
		{
			name:    "phone not verified",
			setup:   func(t *testing.T, f *fixture) { f.st.SetProfile(models.BidderProfile{UserID: "u9"}) },
			auction: "a1", bidder: "u9", amount: 200, want: auctionerrors.ErrPhoneNotVerified,
		},
		{name: "unknown bidder", auction: "a1", bidder: "ghost", amount: 200, want: auctionerrors.ErrPhoneNotVerified},
		{
			name:    "end time reached",
			setup:   func(t *testing.T, f *fixture) { f.clock.Advance(3 * time.Minute) },
			auction: "a1", bidder: "u1", amount: 200, want: auctionerrors.ErrAuctionEnded,
		},
		{
			name: "auction already closed",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.st.WithAuctionLock(ctx, "a1", func(tx store.AuctionTx) error {
					return tx.MarkCancelled(ctx)
				}))
			},
			auction: "a1", bidder: "u1", amount: 200, want: auctionerrors.ErrAuctionClosed,
		},
		{name: "high value without deposit", auction: "a1", bidder: "u1", amount: 1000, want: auctionerrors.ErrDepositRequired},
		{
			name: "seller bids high value on own auction",
			setup: func(t *testing.T, f *fixture) {
				f.st.SetProfile(models.BidderProfile{UserID: "seller", PhoneVerified: true})
			},
			auction: "a1", bidder: "seller", amount: 5000, want: auctionerrors.ErrSelfBid,
		},
		{name: "high value on unknown auction", auction: "nope", bidder: "u1", amount: 5000, want: auctionerrors.ErrNotFound},
		{
			name:    "high value on closed auction",
			setup:   func(t *testing.T, f *fixture) { f.clock.Advance(3 * time.Minute) },
			auction: "a1", bidder: "u1", amount: 5000, want: auctionerrors.ErrAuctionEnded,
		},
		{name: "sub-cent amount", auction: "a1", bidder: "u1", amount: 110.005, want: auctionerrors.ErrInvalidBid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, defaultPolicy)
			f.seed(t, "a1")
			if tc.setup != nil {
				tc.setup(t, f)
			}
			before := f.auction(t, "a1")

			res, err := f.eng.PlaceBid(ctx, tc.auction, tc.bidder, tc.amount)
			require.ErrorIs(t, err, tc.want)
			require.Nil(t, res)

			after := f.auction(t, "a1")
			require.Equal(t, before.CurrentPrice, after.CurrentPrice)
			require.Equal(t, before.EndTime, after.EndTime)
			bids, err := f.st.ListBids(ctx, "a1", 0)
			require.NoError(t, err)
			require.Empty(t, bids)
			require.Empty(t, f.sink.bids)
		})
	}
}

func TestPlaceBid_HighValueAllowed(t *testing.T) {
	ctx := context.Background()

	t.Run("held deposit", func(t *testing.T) {
		f := newFixture(t, defaultPolicy)
		f.seed(t, "a1")
		f.st.HoldDeposit("u1", "a1", true)

		_, err := f.eng.PlaceBid(ctx, "a1", "u1", 1500)
		require.NoError(t, err)
	})

	t.Run("deposit on another auction does not count", func(t *testing.T) {
		f := newFixture(t, defaultPolicy)
		f.seed(t, "a1")
		f.seed(t, "a2")
		f.st.HoldDeposit("u1", "a2", true)

		_, err := f.eng.PlaceBid(ctx, "a1", "u1", 1500)
		require.ErrorIs(t, err, auctionerrors.ErrDepositRequired)
	})

	t.Run("verified seller account", func(t *testing.T) {
		f := newFixture(t, defaultPolicy)
		f.seed(t, "a1")
		f.st.SetProfile(models.BidderProfile{UserID: "u1", PhoneVerified: true, SellerVerified: true})

		_, err := f.eng.PlaceBid(ctx, "a1", "u1", 1500)
		require.NoError(t, err)
	})

	t.Run("threshold disabled", func(t *testing.T) {
		f := newFixture(t, Policy{SoftCloseWindow: 2 * time.Minute, SoftCloseExtension: 2 * time.Minute})
		f.seed(t, "a1")

		_, err := f.eng.PlaceBid(ctx, "a1", "u1", 50000)
		require.NoError(t, err)
	})
}

func TestPlaceBid_EmitsBidAccepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultPolicy)
	a := f.seed(t, "a1")

	_, err := f.eng.PlaceBid(ctx, "a1", "u1", 110)
	require.NoError(t, err)
	_, err = f.eng.PlaceBid(ctx, "a1", "u2", 120)
	require.NoError(t, err)

	require.Len(t, f.sink.bids, 2)
	require.Empty(t, f.sink.bids[0].PreviousBidderID)
	require.Equal(t, events.BidAccepted{
		AuctionID:        "a1",
		AuctionTitle:     "Camera",
		BidderID:         "u2",
		BidderName:       "name-u2",
		Amount:           120,
		NewEndTime:       a.EndTime,
		PreviousBidderID: "u1",
	}, f.sink.bids[1])
}

func TestPlaceBid_BusyWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(20 * time.Millisecond)
	f := &fixture{st: st, clock: clock.NewFake(t0), sink: &recordingSink{}}
	f.eng = NewEngine(st, st, f.clock, f.sink, defaultPolicy)
	st.SetProfile(models.BidderProfile{UserID: "u1", PhoneVerified: true})
	f.seed(t, "a1")

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = st.WithAuctionLock(ctx, "a1", func(store.AuctionTx) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	_, err := f.eng.PlaceBid(ctx, "a1", "u1", 110)
	require.ErrorIs(t, err, auctionerrors.ErrBusy)
	require.True(t, auctionerrors.IsRetryable(err))

	close(release)
	<-done
	_, err = f.eng.PlaceBid(ctx, "a1", "u1", 110)
	require.NoError(t, err)
}

func TestPlaceBid_ConcurrentBidsSerialize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultPolicy)
	f.seed(t, "a1")

	const n = 40
	for i := 0; i < n; i++ {
		f.st.SetProfile(models.BidderProfile{UserID: fmt.Sprintf("b%d", i), PhoneVerified: true})
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []float64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := 110 + float64(i*3)
			_, err := f.eng.PlaceBid(ctx, "a1", fmt.Sprintf("b%d", i), amount)
			if err != nil {
				assert.ErrorIs(t, err, auctionerrors.ErrBidTooLow)
				return
			}
			mu.Lock()
			accepted = append(accepted, amount)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.NotEmpty(t, accepted)
	maxAccepted := accepted[0]
	for _, v := range accepted {
		if v > maxAccepted {
			maxAccepted = v
		}
	}
	require.Equal(t, maxAccepted, f.auction(t, "a1").CurrentPrice)

	bids, err := f.st.ListBids(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, bids, len(accepted))
	// Newest first: every committed bid cleared the previous one by the increment.
	for i := 0; i+1 < len(bids); i++ {
		require.GreaterOrEqual(t, bids[i].Amount, bids[i+1].Amount+10)
	}
}

func TestPlaceBid_TwoRacingBids(t *testing.T) {
	ctx := context.Background()

	for run := 0; run < 20; run++ {
		f := newFixture(t, defaultPolicy)
		f.seed(t, "a1")

		var wg sync.WaitGroup
		errs := make(map[float64]error)
		var mu sync.Mutex
		for _, bid := range []struct {
			bidder string
			amount float64
		}{{"u1", 120}, {"u2", 130}} {
			wg.Add(1)
			go func(bidder string, amount float64) {
				defer wg.Done()
				_, err := f.eng.PlaceBid(ctx, "a1", bidder, amount)
				mu.Lock()
				errs[amount] = err
				mu.Unlock()
			}(bid.bidder, bid.amount)
		}
		wg.Wait()

		require.NoError(t, errs[130])
		require.Equal(t, 130.0, f.auction(t, "a1").CurrentPrice)
		if errs[120] != nil {
			minRequired, ok := auctionerrors.MinRequired(errs[120])
			require.True(t, ok)
			require.Equal(t, 140.0, minRequired)
		} else {
			bids, err := f.st.ListBids(ctx, "a1", 0)
			require.NoError(t, err)
			require.Equal(t, []float64{130, 120}, []float64{bids[0].Amount, bids[1].Amount})
		}
	}
}
