package models

import (
	"math"
	"time"
)

type AuctionStatus string

const (
	StatusActive    AuctionStatus = "ACTIVE"
	StatusSold      AuctionStatus = "SOLD"
	StatusExpired   AuctionStatus = "EXPIRED"
	StatusCancelled AuctionStatus = "CANCELLED"
)

// MaxAmount is the largest value a NUMERIC(14,2) money column holds.
const MaxAmount = 999_999_999_999.99

// WholeCents reports whether v is a finite amount with at most two decimal
// places that fits the money columns.
func WholeCents(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > MaxAmount {
		return false
	}
	c := v * 100
	return math.Abs(c-math.Round(c)) < 1e-6
}

// IsTerminal reports whether no further transition is allowed.
func (s AuctionStatus) IsTerminal() bool {
	return s == StatusSold || s == StatusExpired || s == StatusCancelled
}

func (s AuctionStatus) Valid() bool {
	return s == StatusActive || s.IsTerminal()
}

// Auction is the contended row. Price and EndTime are written only by the
// bid engine, Status and WinnerID only by the closer (and seller cancel).
type Auction struct {
	ID               string        `json:"id"`
	SellerID         string        `json:"seller_id"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	Images           []string      `json:"images"`
	Category         string        `json:"category"`
	Location         string        `json:"location"`
	StartingPrice    float64       `json:"starting_price"`
	CurrentPrice     float64       `json:"current_price"`
	MinBidIncrement  float64       `json:"min_bid_increment"`
	StartTime        time.Time     `json:"start_time" example:"2025-07-27T16:05:05Z"`
	EndTime          time.Time     `json:"end_time"   example:"2025-07-27T16:05:05Z"`
	Status           AuctionStatus `json:"status"     example:"ACTIVE"`
	WinnerID         string        `json:"winner_id,omitempty"`
	CommissionEarned float64       `json:"commission_earned"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// MinNextBid is the smallest amount the next bid may carry.
func (a *Auction) MinNextBid() float64 {
	return a.CurrentPrice + a.MinBidIncrement
}

// Clone returns a deep copy so callers never share the Images slice.
func (a *Auction) Clone() *Auction {
	c := *a
	if a.Images != nil {
		c.Images = append([]string(nil), a.Images...)
	}
	return &c
}

// Bid is an append-only ledger entry. Seq is the per-store insertion order
// and breaks ties between bids created in the same instant.
type Bid struct {
	ID        string    `json:"id"`
	AuctionID string    `json:"auction_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"-"`
}

// Outranks reports whether b beats o for "highest bid": larger amount first,
// then earlier creation, then earlier insertion.
func (b Bid) Outranks(o Bid) bool {
	if b.Amount != o.Amount {
		return b.Amount > o.Amount
	}
	if !b.CreatedAt.Equal(o.CreatedAt) {
		return b.CreatedAt.Before(o.CreatedAt)
	}
	return b.Seq < o.Seq
}

type BidResult struct {
	Bid                Bid       `json:"bid"`
	NewEndTime         time.Time `json:"new_end_time"`
	AntiSnipeTriggered bool      `json:"anti_snipe_triggered"`
}

// BidderProfile is what the identity collaborator knows about a user.
type BidderProfile struct {
	UserID         string
	Name           string
	Email          string
	PhoneVerified  bool
	SellerVerified bool
}

type AuctionFilter struct {
	Status   AuctionStatus
	Category string
	SellerID string
	Limit    int
	Offset   int
}
