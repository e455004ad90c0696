package bidding

import (
	"context"
	"errors"
	"fmt"
	"liveauction/internal/auctionerrors"
	"liveauction/internal/clock"
	"liveauction/internal/events"
	"liveauction/internal/models"
	"liveauction/internal/store"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Policy struct {
	// A bid landing when endTime-now <= SoftCloseWindow pushes endTime out
	// by SoftCloseExtension.
	SoftCloseWindow    time.Duration
	SoftCloseExtension time.Duration
	// Bids >= HighValueThreshold need a verified seller account or a held
	// deposit. Zero disables the check.
	HighValueThreshold float64
}

// Engine is the only writer of an auction's price and end time.
type Engine struct {
	store  store.Store
	dir    store.Directory
	clock  clock.Clock
	events events.Sink
	policy Policy
}

func NewEngine(st store.Store, dir store.Directory, clk clock.Clock, sink events.Sink, policy Policy) *Engine {
	if sink == nil {
		sink = events.Discard
	}
	return &Engine{
		store:  st,
		dir:    dir,
		clock:  clk,
		events: sink,
		policy: policy,
	}
}

// ExtendEndTime applies the soft-close rule. The base is always the
// pre-bid end time, so successive late bids extend cumulatively.
func ExtendEndTime(endTime, now time.Time, window, extension time.Duration) (time.Time, bool) {
	if endTime.Sub(now) <= window {
		return endTime.Add(extension), true
	}
	return endTime, false
}

// PlaceBid evaluates and applies one bid under the auction's row lock.
// Rejections are returned as auctionerrors kinds and leave no writes.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID string, amount float64) (*models.BidResult, error) {
	if auctionID == "" || bidderID == "" {
		return nil, fmt.Errorf("%w: missing auction or bidder id", auctionerrors.ErrInvalidBid)
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("%w: amount must be a positive number", auctionerrors.ErrInvalidBid)
	}
	if !models.WholeCents(amount) {
		return nil, fmt.Errorf("%w: amount must be whole cents", auctionerrors.ErrInvalidBid)
	}

	profile, highValueOK, err := e.preCheck(ctx, auctionID, bidderID, amount)
	if err != nil {
		e.logRejected(auctionID, bidderID, amount, err)
		return nil, err
	}

	var (
		result   *models.BidResult
		accepted events.BidAccepted
	)
	err = e.store.WithAuctionLock(ctx, auctionID, func(tx store.AuctionTx) error {
		// May run again after a serialization retry; start clean.
		result = nil

		a := tx.Auction()
		now := e.clock.Now()

		if a.Status != models.StatusActive {
			return auctionerrors.ErrAuctionClosed
		}
		if !now.Before(a.EndTime) {
			return auctionerrors.ErrAuctionEnded
		}
		if bidderID == a.SellerID {
			return auctionerrors.ErrSelfBid
		}
		if !highValueOK {
			return auctionerrors.ErrDepositRequired
		}
		if minBid := a.MinNextBid(); amount < minBid {
			return &auctionerrors.BidTooLowError{MinRequired: minBid}
		}

		prev, err := tx.HighestBid(ctx)
		if err != nil {
			return err
		}

		bid := &models.Bid{
			ID:        uuid.NewString(),
			AuctionID: auctionID,
			BidderID:  bidderID,
			Amount:    amount,
			CreatedAt: now,
		}
		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}

		newEnd, extended := ExtendEndTime(a.EndTime, now, e.policy.SoftCloseWindow, e.policy.SoftCloseExtension)
		if err := tx.UpdatePriceAndEnd(ctx, amount, newEnd); err != nil {
			return err
		}

		result = &models.BidResult{
			Bid:                *bid,
			NewEndTime:         newEnd,
			AntiSnipeTriggered: extended,
		}
		accepted = events.BidAccepted{
			AuctionID:          auctionID,
			AuctionTitle:       a.Title,
			BidderID:           bidderID,
			BidderName:         profile.Name,
			Amount:             amount,
			NewEndTime:         newEnd,
			AntiSnipeTriggered: extended,
		}
		if prev != nil {
			accepted.PreviousBidderID = prev.BidderID
		}
		return nil
	})
	if err != nil {
		e.logRejected(auctionID, bidderID, amount, err)
		return nil, err
	}

	zap.L().Info("bid.accepted",
		zap.String("auction_id", auctionID),
		zap.String("bidder_id", bidderID),
		zap.Float64("amount", amount),
		zap.Time("new_end_time", result.NewEndTime),
		zap.Bool("anti_snipe", result.AntiSnipeTriggered))

	e.events.BidAccepted(accepted)
	return result, nil
}

// preCheck runs the bidder lookups that need neither the auction row nor
// the row lock. highValueOK is false when the amount needs a held deposit
// the bidder lacks; the rejection itself is applied under the lock, after
// the auction and seller checks.
func (e *Engine) preCheck(ctx context.Context, auctionID, bidderID string, amount float64) (profile models.BidderProfile, highValueOK bool, err error) {
	profile, err = e.dir.BidderProfile(ctx, bidderID)
	if err != nil {
		return profile, false, fmt.Errorf("bidding: bidder profile %s: %w", bidderID, err)
	}
	if !profile.PhoneVerified {
		return profile, false, auctionerrors.ErrPhoneNotVerified
	}

	if e.policy.HighValueThreshold <= 0 || amount < e.policy.HighValueThreshold || profile.SellerVerified {
		return profile, true, nil
	}
	held, err := e.dir.HasActiveDeposit(ctx, bidderID, auctionID)
	if err != nil {
		return profile, false, fmt.Errorf("bidding: deposit lookup: %w", err)
	}
	return profile, held, nil
}

func (e *Engine) logRejected(auctionID, bidderID string, amount float64, err error) {
	fields := []zap.Field{
		zap.String("auction_id", auctionID),
		zap.String("bidder_id", bidderID),
		zap.Float64("amount", amount),
		zap.Error(err),
	}
	switch {
	case auctionerrors.IsRetryable(err):
		zap.L().Warn("bid.busy", fields...)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		zap.L().Info("bid.cancelled", fields...)
	default:
		zap.L().Debug("bid.rejected", fields...)
	}
}
