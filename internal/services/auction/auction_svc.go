package auction

import (
	"context"
	"fmt"
	"liveauction/internal/auctionerrors"
	"liveauction/internal/clock"
	"liveauction/internal/models"
	"liveauction/internal/services/bidding"
	"liveauction/internal/services/closer"
	"liveauction/internal/store"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	defaultBidsLimit = 50
	maxBidsLimit     = 200

	browseSweepTimeout = 30 * time.Second
)

type CreateAuctionInput struct {
	SellerID        string    `json:"-"                 validate:"required"`
	Title           string    `json:"title"             validate:"required,max=200"`
	Description     string    `json:"description"       validate:"max=5000"`
	Images          []string  `json:"images"            validate:"max=10,dive,required"`
	Category        string    `json:"category"          validate:"required"`
	Location        string    `json:"location"`
	StartingPrice   float64   `json:"starting_price"    validate:"gt=0,cents"`
	MinBidIncrement float64   `json:"min_bid_increment" validate:"gte=0,cents"`
	StartTime       time.Time `json:"start_time"        example:"2025-07-27T16:05:05Z"`
	EndTime         time.Time `json:"end_time"          validate:"required" example:"2025-07-27T17:05:05Z"`
}

type IAuctionService interface {
	CreateAuction(ctx context.Context, in CreateAuctionInput) (*models.Auction, error)
	GetAuction(ctx context.Context, id string) (*models.Auction, error)
	ListAuctions(ctx context.Context, filter models.AuctionFilter) ([]models.Auction, error)
	ListBids(ctx context.Context, auctionID string, limit int) ([]models.Bid, error)
	CancelAuction(ctx context.Context, auctionID, sellerID string) (*models.Auction, error)
	PlaceBid(ctx context.Context, auctionID, bidderID string, amount float64) (*models.BidResult, error)
	CloseIfEnded(ctx context.Context, auctionID string) (closer.Result, error)
	CloseEnded(ctx context.Context) (closer.SweepResult, error)
}

// TimerArmer schedules the expiry wake-up for a new auction.
type TimerArmer interface {
	ArmTimer(ctx context.Context, auctionID string, endsAt time.Time) error
}

type Options struct {
	DefaultMinBidIncrement float64
	// Chance that a listing request kicks off a background close sweep.
	BrowseSweepProbability float64
	TerminalCacheSize      int
}

type auctionService struct {
	store    store.Store
	dir      store.Directory
	engine   *bidding.Engine
	closer   *closer.Closer
	clock    clock.Clock
	timers   TimerArmer
	validate *validator.Validate
	opts     Options

	// SOLD/EXPIRED/CANCELLED rows never change again.
	terminal *lru.Cache
	sweeping atomic.Bool
	roll     func() float64
}

var _ IAuctionService = (*auctionService)(nil)

func NewAuctionService(
	st store.Store,
	dir store.Directory,
	eng *bidding.Engine,
	cl *closer.Closer,
	clk clock.Clock,
	timers TimerArmer,
	opts Options,
) (IAuctionService, error) {
	return newAuctionService(st, dir, eng, cl, clk, timers, opts)
}

func newAuctionService(
	st store.Store,
	dir store.Directory,
	eng *bidding.Engine,
	cl *closer.Closer,
	clk clock.Clock,
	timers TimerArmer,
	opts Options,
) (*auctionService, error) {
	if opts.TerminalCacheSize <= 0 {
		opts.TerminalCacheSize = 1024
	}
	cache, err := lru.New(opts.TerminalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("auction: terminal cache: %w", err)
	}
	validate := validator.New()
	if err := validate.RegisterValidation("cents", func(fl validator.FieldLevel) bool {
		return models.WholeCents(fl.Field().Float())
	}); err != nil {
		return nil, fmt.Errorf("auction: register validator: %w", err)
	}
	return &auctionService{
		store:    st,
		dir:      dir,
		engine:   eng,
		closer:   cl,
		clock:    clk,
		timers:   timers,
		validate: validate,
		opts:     opts,
		terminal: cache,
		roll:     rand.Float64,
	}, nil
}

func (svc *auctionService) CreateAuction(ctx context.Context, in CreateAuctionInput) (*models.Auction, error) {
	if err := svc.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %s", auctionerrors.ErrInvalidAuction, err.Error())
	}

	now := svc.clock.Now()
	start := in.StartTime
	if start.IsZero() {
		start = now
	}
	if !in.EndTime.After(start) {
		return nil, fmt.Errorf("%w: end_time must be after start_time", auctionerrors.ErrInvalidAuction)
	}
	if !in.EndTime.After(now) {
		return nil, fmt.Errorf("%w: end_time must be in the future", auctionerrors.ErrInvalidAuction)
	}

	seller, err := svc.dir.BidderProfile(ctx, in.SellerID)
	if err != nil {
		return nil, fmt.Errorf("auction: seller profile %s: %w", in.SellerID, err)
	}
	if !seller.PhoneVerified {
		return nil, auctionerrors.ErrPhoneNotVerified
	}

	inc := in.MinBidIncrement
	if inc == 0 {
		inc = svc.opts.DefaultMinBidIncrement
	}

	a := &models.Auction{
		ID:              uuid.NewString(),
		SellerID:        in.SellerID,
		Title:           in.Title,
		Description:     in.Description,
		Images:          in.Images,
		Category:        in.Category,
		Location:        in.Location,
		StartingPrice:   in.StartingPrice,
		CurrentPrice:    in.StartingPrice,
		MinBidIncrement: inc,
		StartTime:       start.UTC(),
		EndTime:         in.EndTime.UTC(),
		Status:          models.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if a.Images == nil {
		a.Images = []string{}
	}
	if err := svc.store.CreateAuction(ctx, a); err != nil {
		return nil, err
	}

	if svc.timers != nil {
		if err := svc.timers.ArmTimer(ctx, a.ID, a.EndTime); err != nil {
			// The scheduled sweep still closes it.
			zap.L().Warn("auction.arm_timer", zap.String("auction_id", a.ID), zap.Error(err))
		}
	}

	zap.L().Info("auction.created",
		zap.String("auction_id", a.ID),
		zap.String("seller_id", a.SellerID),
		zap.Time("end_time", a.EndTime))
	return a, nil
}

// GetAuction closes the auction first if it has ended, so an expired
// auction is never served as biddable.
func (svc *auctionService) GetAuction(ctx context.Context, id string) (*models.Auction, error) {
	if v, ok := svc.terminal.Get(id); ok {
		return v.(*models.Auction).Clone(), nil
	}

	a, err := svc.store.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}

	if a.Status == models.StatusActive && !svc.clock.Now().Before(a.EndTime) {
		res, err := svc.closer.CloseIfEnded(ctx, id)
		if err != nil {
			zap.L().Warn("auction.close_on_read", zap.String("auction_id", id), zap.Error(err))
			return a, nil
		}
		if res.Outcome != closer.NotProcessed {
			if a, err = svc.store.GetAuction(ctx, id); err != nil {
				return nil, err
			}
		}
	}

	svc.remember(a)
	return a, nil
}

func (svc *auctionService) remember(a *models.Auction) {
	if a.Status.IsTerminal() {
		svc.terminal.Add(a.ID, a.Clone())
	}
}

func (svc *auctionService) ListAuctions(ctx context.Context, filter models.AuctionFilter) ([]models.Auction, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", auctionerrors.ErrInvalidAuction, filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	svc.maybeSweep()
	return svc.store.ListAuctions(ctx, filter)
}

// maybeSweep starts a background close sweep on a fraction of listing
// requests. It only freshens what browsers see; the scheduler is what
// guarantees closing.
func (svc *auctionService) maybeSweep() {
	p := svc.opts.BrowseSweepProbability
	if p <= 0 || svc.roll() >= p {
		return
	}
	if !svc.sweeping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer svc.sweeping.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), browseSweepTimeout)
		defer cancel()
		if _, err := svc.closer.CloseAllEnded(ctx); err != nil {
			zap.L().Warn("auction.browse_sweep", zap.Error(err))
		}
	}()
}

func (svc *auctionService) ListBids(ctx context.Context, auctionID string, limit int) ([]models.Bid, error) {
	if _, err := svc.store.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultBidsLimit
	}
	if limit > maxBidsLimit {
		limit = maxBidsLimit
	}
	return svc.store.ListBids(ctx, auctionID, limit)
}

// CancelAuction lets the seller withdraw an ACTIVE auction nobody has bid on.
func (svc *auctionService) CancelAuction(ctx context.Context, auctionID, sellerID string) (*models.Auction, error) {
	var out *models.Auction
	err := svc.store.WithAuctionLock(ctx, auctionID, func(tx store.AuctionTx) error {
		out = nil
		a := tx.Auction()
		if a.SellerID != sellerID {
			return auctionerrors.ErrNotSeller
		}
		if a.Status != models.StatusActive {
			return auctionerrors.ErrAuctionClosed
		}
		n, err := tx.CountBids(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return auctionerrors.ErrHasBids
		}
		if err := tx.MarkCancelled(ctx); err != nil {
			return err
		}
		out = tx.Auction()
		return nil
	})
	if err != nil {
		return nil, err
	}

	svc.remember(out)
	zap.L().Info("auction.cancelled", zap.String("auction_id", auctionID), zap.String("seller_id", sellerID))
	return out, nil
}

func (svc *auctionService) PlaceBid(ctx context.Context, auctionID, bidderID string, amount float64) (*models.BidResult, error) {
	return svc.engine.PlaceBid(ctx, auctionID, bidderID, amount)
}

func (svc *auctionService) CloseIfEnded(ctx context.Context, auctionID string) (closer.Result, error) {
	return svc.closer.CloseIfEnded(ctx, auctionID)
}

func (svc *auctionService) CloseEnded(ctx context.Context) (closer.SweepResult, error) {
	return svc.closer.CloseAllEnded(ctx)
}
