package auctionhandler

import (
	"errors"
	"liveauction/internal/auctionerrors"
	"liveauction/internal/authz"
	"liveauction/internal/services/auction"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	svc auction.IAuctionService
}

func New(svc auction.IAuctionService) *Handler { return &Handler{svc: svc} }

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/auctions", h.list)
	r.GET("/auctions/:id", h.info)
	r.GET("/auctions/:id/bids", h.bids)
	r.POST("/auctions", authz.RequireUser(), h.create)
	r.POST("/auctions/:id/bid", authz.RequireUser(), h.bid)
	r.POST("/auctions/:id/cancel", authz.RequireUser(), h.cancel)
}

// RegisterSweep mounts the close sweep behind the given guard.
func (h *Handler) RegisterSweep(r gin.IRoutes, path string, guard gin.HandlerFunc) {
	r.POST(path, guard, h.sweep)
}

// @Summary		Get auction details
// @Description	Returns a single auction. An auction whose end time has passed is closed before it is returned.
// @Tags			Auctions
// @Param			id	path		string	true	"Auction ID"
// @Success		200	{object}	models.Auction
// @Failure		404	{object}	ErrorResponse
// @Router			/auctions/{id} [get]
func (h *Handler) info(c *gin.Context) {
	a, err := h.svc.GetAuction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// @Summary		List auctions
// @Description	Retrieves a paginated list of auctions ordered by end time.
// @Tags			Auctions
// @Param			status		query		string	false	"Status filter"			Enums(ACTIVE,SOLD,EXPIRED,CANCELLED)
// @Param			category	query		string	false	"Category filter"
// @Param			seller_id	query		string	false	"Seller filter"
// @Param			limit		query		int		false	"Max results (0‑100)"	minimum(0)	maximum(100)	default(20)
// @Param			offset		query		int		false	"Offset for pagination"	minimum(0)	default(0)
// @Success		200			{array}		models.Auction
// @Failure		400			{object}	ErrorResponse
// @Failure		500			{object}	ErrorResponse
// @Router			/auctions [get]
func (h *Handler) list(c *gin.Context) {
	var q ListAuctionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_QUERY"})
		return
	}
	out, err := h.svc.ListAuctions(c.Request.Context(), q.filter())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Create an auction
// @Description	Seller lists a new item. The seller must have a verified phone number.
// @Tags			Auctions
// @Param			X-User-ID	header		string				true	"Caller id"
// @Param			body		body		CreateAuctionBody	true	"Auction payload"
// @Success		201			{object}	models.Auction
// @Failure		400			{object}	ErrorResponse
// @Failure		403			{object}	ErrorResponse
// @Router			/auctions [post]
func (h *Handler) create(c *gin.Context) {
	var body CreateAuctionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_AUCTION"})
		return
	}

	a, err := h.svc.CreateAuction(c.Request.Context(), auction.CreateAuctionInput{
		SellerID:        authz.UserID(c),
		Title:           body.Title,
		Description:     body.Description,
		Images:          body.Images,
		Category:        body.Category,
		Location:        body.Location,
		StartingPrice:   body.StartingPrice,
		MinBidIncrement: body.MinBidIncrement,
		StartTime:       body.StartTime,
		EndTime:         body.EndTime,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// @Summary		List bids
// @Description	Bid history of an auction, newest first.
// @Tags			Auctions
// @Param			id		path		string	true	"Auction ID"
// @Param			limit	query		int		false	"Max results"	minimum(0)	maximum(200)	default(50)
// @Success		200		{array}		models.Bid
// @Failure		404		{object}	ErrorResponse
// @Router			/auctions/{id}/bids [get]
func (h *Handler) bids(c *gin.Context) {
	var q ListBidsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_QUERY"})
		return
	}
	out, err := h.svc.ListBids(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Place a bid
// @Description	Bidder places a bid of at least current price + minimum increment.
// @Description	A bid in the last two minutes extends the auction by two minutes.
// @Tags			Auctions
// @Param			id			path		string			true	"Auction ID"
// @Param			X-User-ID	header		string			true	"Caller id"
// @Param			body		body		PlaceBidBody	true	"Bid payload"
// @Success		201			{object}	models.BidResult
// @Failure		400			{object}	ErrorResponse
// @Failure		403			{object}	ErrorResponse
// @Failure		409			{object}	ErrorResponse
// @Failure		422			{object}	ErrorResponse
// @Failure		503			{object}	ErrorResponse
// @Router			/auctions/{id}/bid [post]
func (h *Handler) bid(c *gin.Context) {
	var body PlaceBidBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_BID"})
		return
	}

	res, err := h.svc.PlaceBid(c.Request.Context(), c.Param("id"), authz.UserID(c), body.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// @Summary		Cancel an auction
// @Description	Seller withdraws an active auction that has no bids.
// @Tags			Auctions
// @Param			id			path		string	true	"Auction ID"
// @Param			X-User-ID	header		string	true	"Caller id"
// @Success		200			{object}	models.Auction
// @Failure		403			{object}	ErrorResponse
// @Failure		409			{object}	ErrorResponse
// @Router			/auctions/{id}/cancel [post]
func (h *Handler) cancel(c *gin.Context) {
	a, err := h.svc.CancelAuction(c.Request.Context(), c.Param("id"), authz.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// @Summary		Close ended auctions
// @Description	Closes every active auction past its end time. Safe to call repeatedly.
// @Tags			Operations
// @Success		200	{object}	closer.SweepResult
// @Failure		401	{object}	ErrorResponse
// @Failure		500	{object}	ErrorResponse
// @Router			/internal/close-auctions [post]
func (h *Handler) sweep(c *gin.Context) {
	res, err := h.svc.CloseEnded(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auctionerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auctionerrors.ErrInvalidBid),
		errors.Is(err, auctionerrors.ErrInvalidAuction):
		return http.StatusBadRequest
	case errors.Is(err, auctionerrors.ErrSelfBid),
		errors.Is(err, auctionerrors.ErrNotSeller),
		errors.Is(err, auctionerrors.ErrPhoneNotVerified),
		errors.Is(err, auctionerrors.ErrDepositRequired):
		return http.StatusForbidden
	case errors.Is(err, auctionerrors.ErrAuctionClosed),
		errors.Is(err, auctionerrors.ErrAuctionEnded),
		errors.Is(err, auctionerrors.ErrHasBids):
		return http.StatusConflict
	case errors.Is(err, auctionerrors.ErrBidTooLow):
		return http.StatusUnprocessableEntity
	case auctionerrors.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      auctionerrors.Code(err),
		Retryable: auctionerrors.IsRetryable(err),
	}
	if minRequired, ok := auctionerrors.MinRequired(err); ok {
		resp.MinRequired = &minRequired
	}
	if resp.Retryable {
		c.Header("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("http.internal_error", zap.String("path", c.FullPath()), zap.Error(err))
		resp.Error = "internal error"
	}
	c.JSON(status, resp)
}
