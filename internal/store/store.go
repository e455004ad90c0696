package store

import (
	"context"
	"liveauction/internal/models"
	"time"
)

// Store is the Auction Store plus Bid Ledger.
//
// WithAuctionLock is the only way to mutate an existing auction. It runs fn
// with exclusive access to one auction row: concurrent callers on the same
// id wait (up to the store's lock timeout, then auctionerrors.ErrBusy),
// callers on other ids are not blocked. fn observes the latest committed
// values. When fn returns an error, or the commit fails, none of the writes
// made through the AuctionTx become visible. A missing row yields
// auctionerrors.ErrNotFound without calling fn.
//
// fn may be invoked more than once when the store retries a serialization
// conflict, so it must not keep state across invocations.
type Store interface {
	WithAuctionLock(ctx context.Context, auctionID string, fn func(tx AuctionTx) error) error

	CreateAuction(ctx context.Context, a *models.Auction) error
	GetAuction(ctx context.Context, id string) (*models.Auction, error)
	ListAuctions(ctx context.Context, filter models.AuctionFilter) ([]models.Auction, error)
	// ListEndedAuctionIDs returns ACTIVE auctions whose end time is <= now.
	ListEndedAuctionIDs(ctx context.Context, now time.Time) ([]string, error)
	// ListBids returns the newest bids first.
	ListBids(ctx context.Context, auctionID string, limit int) ([]models.Bid, error)
}

// AuctionTx is the view of one locked auction row.
type AuctionTx interface {
	// Auction returns the row as read under the lock, including any write
	// already staged in this unit of work.
	Auction() *models.Auction
	// HighestBid returns nil when the auction has no bids.
	HighestBid(ctx context.Context) (*models.Bid, error)
	CountBids(ctx context.Context) (int, error)

	InsertBid(ctx context.Context, bid *models.Bid) error
	UpdatePriceAndEnd(ctx context.Context, price float64, endTime time.Time) error
	MarkSold(ctx context.Context, winnerID string, commission float64) error
	MarkExpired(ctx context.Context) error
	MarkCancelled(ctx context.Context) error
}

// Directory is the identity collaborator's read surface.
type Directory interface {
	// BidderProfile returns a zero profile for unknown users.
	BidderProfile(ctx context.Context, userID string) (models.BidderProfile, error)
	HasActiveDeposit(ctx context.Context, bidderID, auctionID string) (bool, error)
}
