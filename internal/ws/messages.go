package ws

import (
	"encoding/json"
	"liveauction/internal/models"
)

// Envelope wraps every WS frame.
type Envelope struct {
	Event string          `json:"event"`          // e.g. "auctions/bid"
	Body  json.RawMessage `json:"body,omitempty"` // arbitrary JSON object
}

// BidRequest is the body for "auctions/bid".
type BidRequest struct {
	Amount float64 `json:"amount"`
}

// BidAck is the body of "auctions/bid-ack".
type BidAck struct {
	models.BidResult
}

// ErrorBody is returned for failures under the "error" event.
type ErrorBody struct {
	Event       string   `json:"event"`
	Error       string   `json:"error"`
	Code        string   `json:"code"`
	MinRequired *float64 `json:"min_required,omitempty"`
	Retryable   bool     `json:"retryable"`
}
