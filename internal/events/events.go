package events

//go:generate mockgen -source=events.go -destination=mock_events_test.go -package=events

import (
	"context"
	"time"
)

type NotificationKind string

const (
	OutbidNotice   NotificationKind = "OUTBID_NOTICE"
	AuctionSold    NotificationKind = "AUCTION_SOLD"
	AuctionExpired NotificationKind = "AUCTION_EXPIRED"
)

// Notification is addressed to one user. Delivery (email, SMS, push) is the
// notification collaborator's business.
type Notification struct {
	Kind         NotificationKind `json:"kind"`
	RecipientID  string           `json:"recipient_id"`
	AuctionID    string           `json:"auction_id"`
	AuctionTitle string           `json:"auction_title"`
	Amount       float64          `json:"amount"`
	// WinnerID is set on AuctionSold notices sent to the seller.
	WinnerID string `json:"winner_id,omitempty"`
}

type PriceUpdate struct {
	AuctionID          string    `json:"auction_id"`
	NewPrice           float64   `json:"price"`
	NewEndTime         time.Time `json:"ends_at"`
	BidderID           string    `json:"bidder"`
	AntiSnipeTriggered bool      `json:"anti_snipe"`
}

type Activity struct {
	BidderName   string  `json:"bidder_name"`
	AuctionTitle string  `json:"auction_title"`
	Amount       float64 `json:"amount"`
	AuctionID    string  `json:"auction_id"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Pusher interface {
	PushPrice(ctx context.Context, u PriceUpdate) error
	PushActivity(ctx context.Context, a Activity) error
}

// BidAccepted describes a committed bid.
type BidAccepted struct {
	AuctionID          string
	AuctionTitle       string
	BidderID           string
	BidderName         string
	Amount             float64
	NewEndTime         time.Time
	AntiSnipeTriggered bool
	// PreviousBidderID is the outbid user, empty when there was none or
	// the same user raised their own bid.
	PreviousBidderID string
}

// AuctionClosed describes a committed SOLD or EXPIRED transition.
type AuctionClosed struct {
	AuctionID    string
	AuctionTitle string
	SellerID     string
	Sold         bool
	WinnerID     string
	FinalPrice   float64
}

// Sink accepts post-commit side effects. Implementations must not block.
type Sink interface {
	BidAccepted(e BidAccepted)
	AuctionClosed(e AuctionClosed)
}

type discard struct{}

func (discard) BidAccepted(BidAccepted)     {}
func (discard) AuctionClosed(AuctionClosed) {}

// Discard drops every event.
var Discard Sink = discard{}
