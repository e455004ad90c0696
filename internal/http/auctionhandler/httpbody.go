package auctionhandler

import (
	"liveauction/internal/models"
	"time"
)

type CreateAuctionBody struct {
	Title           string    `json:"title"             binding:"required"      example:"Vintage film camera"`
	Description     string    `json:"description"                               example:"Working, with original strap"`
	Images          []string  `json:"images"`
	Category        string    `json:"category"          binding:"required"      example:"electronics"`
	Location        string    `json:"location"                                  example:"Dhaka"`
	StartingPrice   float64   `json:"starting_price"    binding:"required,gt=0" example:"100"`
	MinBidIncrement float64   `json:"min_bid_increment" binding:"gte=0"         example:"10"`
	StartTime       time.Time `json:"start_time"                                example:"2025-07-27T16:05:05Z"`
	EndTime         time.Time `json:"end_time"          binding:"required"      example:"2025-07-27T18:05:05Z"`
} // @name CreateAuctionRequest

type PlaceBidBody struct {
	Amount float64 `json:"amount" binding:"required,gt=0" example:"150"`
} // @name PlaceBidRequest

type ErrorResponse struct {
	Error       string   `json:"error"`
	Code        string   `json:"code"                   example:"BID_TOO_LOW"`
	MinRequired *float64 `json:"min_required,omitempty" example:"110"`
	Retryable   bool     `json:"retryable"`
} // @name ErrorResponse

type ListAuctionsQuery struct {
	Status   string `form:"status"           binding:"omitempty,oneof=ACTIVE SOLD EXPIRED CANCELLED"`
	Category string `form:"category"`
	SellerID string `form:"seller_id"`
	Limit    int    `form:"limit,default=20" binding:"gte=0,lte=100"`
	Offset   int    `form:"offset,default=0" binding:"gte=0"`
} // @name ListAuctionsQuery

func (q ListAuctionsQuery) filter() models.AuctionFilter {
	return models.AuctionFilter{
		Status:   models.AuctionStatus(q.Status),
		Category: q.Category,
		SellerID: q.SellerID,
		Limit:    q.Limit,
		Offset:   q.Offset,
	}
}

type ListBidsQuery struct {
	Limit int `form:"limit,default=50" binding:"gte=0,lte=200"`
} // @name ListBidsQuery
