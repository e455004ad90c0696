package closer

import (
	"context"
	"errors"
	"liveauction/internal/clock"
	"liveauction/internal/events"
	"liveauction/internal/models"
	"liveauction/internal/store"

	"go.uber.org/zap"
)

type Outcome string

const (
	NotProcessed Outcome = "NOT_PROCESSED"
	Sold         Outcome = "SOLD"
	Expired      Outcome = "EXPIRED"
)

type Result struct {
	AuctionID  string  `json:"auction_id"`
	Outcome    Outcome `json:"outcome"`
	WinnerID   string  `json:"winner_id,omitempty"`
	FinalPrice float64 `json:"final_price,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// SweepResult aggregates one CloseAllEnded pass. Failures are listed per
// auction; the sweep never stops early.
type SweepResult struct {
	Processed int      `json:"processed"`
	Sold      int      `json:"sold"`
	Expired   int      `json:"expired"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// Closer moves ended auctions out of ACTIVE exactly once. It takes the same
// row lock as the bid engine, so an extension committed by a bid is always
// seen before the end time is compared.
type Closer struct {
	store          store.Store
	clock          clock.Clock
	events         events.Sink
	commissionRate float64
}

func New(st store.Store, clk clock.Clock, sink events.Sink, commissionRate float64) *Closer {
	if sink == nil {
		sink = events.Discard
	}
	return &Closer{
		store:          st,
		clock:          clk,
		events:         sink,
		commissionRate: commissionRate,
	}
}

// CloseIfEnded finalises the auction if it is ACTIVE and its end time has
// passed. Any other state is reported as NotProcessed.
func (c *Closer) CloseIfEnded(ctx context.Context, auctionID string) (Result, error) {
	res := Result{AuctionID: auctionID, Outcome: NotProcessed}
	var closed *events.AuctionClosed

	err := c.store.WithAuctionLock(ctx, auctionID, func(tx store.AuctionTx) error {
		res = Result{AuctionID: auctionID, Outcome: NotProcessed}
		closed = nil

		a := tx.Auction()
		if a.Status != models.StatusActive || c.clock.Now().Before(a.EndTime) {
			return nil
		}

		top, err := tx.HighestBid(ctx)
		if err != nil {
			return err
		}
		if top == nil {
			if err := tx.MarkExpired(ctx); err != nil {
				return err
			}
			res.Outcome = Expired
		} else {
			if err := tx.MarkSold(ctx, top.BidderID, top.Amount*c.commissionRate); err != nil {
				return err
			}
			res.Outcome = Sold
			res.WinnerID = top.BidderID
			res.FinalPrice = top.Amount
		}

		closed = &events.AuctionClosed{
			AuctionID:    auctionID,
			AuctionTitle: a.Title,
			SellerID:     a.SellerID,
			Sold:         res.Outcome == Sold,
			WinnerID:     res.WinnerID,
			FinalPrice:   res.FinalPrice,
		}
		return nil
	})
	if err != nil {
		return Result{AuctionID: auctionID, Outcome: NotProcessed}, err
	}

	if closed != nil {
		zap.L().Info("closer.closed",
			zap.String("auction_id", auctionID),
			zap.String("outcome", string(res.Outcome)),
			zap.String("winner_id", res.WinnerID),
			zap.Float64("final_price", res.FinalPrice))
		c.events.AuctionClosed(*closed)
	}
	return res, nil
}

// CloseAllEnded runs CloseIfEnded over every ACTIVE auction past its end
// time. Each auction is locked on its own; an error on one is recorded and
// the sweep moves on. Only a failure to list candidates or a cancelled
// context is returned as an error.
func (c *Closer) CloseAllEnded(ctx context.Context) (SweepResult, error) {
	var sweep SweepResult

	ids, err := c.store.ListEndedAuctionIDs(ctx, c.clock.Now())
	if err != nil {
		zap.L().Error("closer.list_failed", zap.Error(err))
		return sweep, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sweep, err
		}

		res, err := c.CloseIfEnded(ctx, id)
		sweep.Processed++
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return sweep, err
			}
			zap.L().Warn("closer.sweep_failed", zap.String("auction_id", id), zap.Error(err))
			res.Error = err.Error()
			sweep.Failed++
		}
		switch res.Outcome {
		case Sold:
			sweep.Sold++
		case Expired:
			sweep.Expired++
		}
		sweep.Results = append(sweep.Results, res)
	}

	if sweep.Processed > 0 {
		zap.L().Info("closer.sweep",
			zap.Int("processed", sweep.Processed),
			zap.Int("sold", sweep.Sold),
			zap.Int("expired", sweep.Expired),
			zap.Int("failed", sweep.Failed))
	}
	return sweep, nil
}
