package auctionerrors

import (
	"errors"
	"fmt"
)

// Lookup errors
var (
	ErrNotFound = errors.New("auction not found")
)

// Bid rejection errors. All of them are detected before any write.
var (
	ErrInvalidBid       = errors.New("invalid bid")
	ErrAuctionClosed    = errors.New("auction is not active")
	ErrAuctionEnded     = errors.New("auction has ended")
	ErrSelfBid          = errors.New("seller cannot bid on own auction")
	ErrBidTooLow        = errors.New("bid amount too low")
	ErrDepositRequired  = errors.New("high-value bid requires a verified seller account or a held deposit")
	ErrPhoneNotVerified = errors.New("phone number not verified")
)

// Auction management errors
var (
	ErrInvalidAuction = errors.New("invalid auction")
	ErrNotSeller      = errors.New("only the seller may perform this action")
	ErrHasBids        = errors.New("auction already has bids")
)

// Retryable errors
var (
	ErrBusy     = errors.New("auction is busy, retry shortly")
	ErrConflict = errors.New("concurrent update conflict, retry")
)

// BidTooLowError carries the minimum the caller must bid to be accepted.
type BidTooLowError struct {
	MinRequired float64
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("%s: minimum required is %.2f", ErrBidTooLow, e.MinRequired)
}

func (e *BidTooLowError) Is(target error) bool { return target == ErrBidTooLow }

// MinRequired extracts the minimum from a BidTooLow error.
func MinRequired(err error) (float64, bool) {
	var e *BidTooLowError
	if errors.As(err, &e) {
		return e.MinRequired, true
	}
	return 0, false
}

// IsRetryable separates lock contention from permanent rejections.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrConflict)
}

var codes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "NOT_FOUND"},
	{ErrInvalidBid, "INVALID_BID"},
	{ErrInvalidAuction, "INVALID_AUCTION"},
	{ErrAuctionClosed, "AUCTION_CLOSED"},
	{ErrAuctionEnded, "AUCTION_ENDED"},
	{ErrSelfBid, "SELF_BID"},
	{ErrBidTooLow, "BID_TOO_LOW"},
	{ErrDepositRequired, "DEPOSIT_REQUIRED"},
	{ErrPhoneNotVerified, "PHONE_NOT_VERIFIED"},
	{ErrNotSeller, "NOT_SELLER"},
	{ErrHasBids, "HAS_BIDS"},
	{ErrBusy, "BUSY"},
	{ErrConflict, "CONFLICT"},
}

// Code is the stable machine-readable name of err's kind, "INTERNAL" for
// anything outside the taxonomy.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}
