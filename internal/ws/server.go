package ws

import (
	"context"
	"errors"
	"liveauction/internal/auctionerrors"
	"liveauction/internal/models"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 12 * time.Second
	pingPeriod     = 3 * time.Second // must be < pongWait
	maxMessageSize = 512
	handlerTimeout = 5 * time.Second
)

// AuctionService is the part of the auction facade the websocket layer uses.
type AuctionService interface {
	GetAuction(ctx context.Context, id string) (*models.Auction, error)
	PlaceBid(ctx context.Context, auctionID, bidderID string, amount float64) (*models.BidResult, error)
}

type WsServer struct {
	hub        *Hub
	subMgr     subscriber
	router     *Router
	upgrader   websocket.Upgrader
	auctionSvc AuctionService
}

func NewWsServer(h *Hub, rdc *redis.Client, auctionSvc AuctionService) *WsServer {
	return newWsServer(h, newSubscriptionManager(rdc, h), auctionSvc)
}

func newWsServer(h *Hub, subs subscriber, auctionSvc AuctionService) *WsServer {
	srv := &WsServer{
		hub:    h,
		subMgr: subs,
		router: NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers on other origins are fronted by the gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		auctionSvc: auctionSvc,
	}
	srv.registerHandlers()
	return srv
}

// Handle serves GET /ws?auction_id=..&user_id=.. : live prices for one
// auction plus bidding over the socket.
func (s *WsServer) Handle(ginCtx *gin.Context) {
	auctionID := ginCtx.Query("auction_id")
	userID := ginCtx.Query("user_id")
	if auctionID == "" || userID == "" {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": "auction_id and user_id are required"})
		return
	}

	// Refuse unknown auctions before upgrading.
	snap, err := s.auctionSvc.GetAuction(ginCtx.Request.Context(), auctionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, auctionerrors.ErrNotFound) {
			status = http.StatusNotFound
		}
		ginCtx.JSON(status, gin.H{"error": err.Error()})
		return
	}

	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.upgrade", zap.Error(err))
		return
	}

	conn := newClientConn(rawConn, userID)
	s.hub.Join(auctionID, conn)
	s.subMgr.Subscribe(auctionID)

	if err := conn.writeJSON(gin.H{"event": "auctions/snapshot", "body": snap}); err != nil {
		zap.L().Debug("ws.snapshot", zap.String("auction_id", auctionID), zap.Error(err))
	}

	done := make(chan struct{})
	go s.reader(auctionID, userID, conn, done)
	go s.pinger(conn, done)
}

// HandleActivity serves GET /ws/activity, a read-only feed of every
// accepted bid.
func (s *WsServer) HandleActivity(ginCtx *gin.Context) {
	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.upgrade", zap.Error(err))
		return
	}
	conn := newClientConn(rawConn, ginCtx.Query("user_id"))
	s.hub.Join(ActivityRoom, conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer s.hub.Leave(ActivityRoom, conn)
		s.keepAlive(conn)
		for {
			if _, _, err := rawConn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go s.pinger(conn, done)
}

func (s *WsServer) registerHandlers() {
	Register(
		s.router,
		"auctions/bid",
		func(ctx context.Context, cc *ConnContext, req BidRequest) (BidAck, error) {
			res, err := s.auctionSvc.PlaceBid(ctx, cc.AuctionID, cc.UserID, req.Amount)
			if err != nil {
				return BidAck{}, err
			}
			return BidAck{BidResult: *res}, nil
		},
	)
}

func (s *WsServer) keepAlive(conn *clientConn) {
	conn.rawConn.SetReadLimit(maxMessageSize)
	_ = conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	conn.rawConn.SetPongHandler(func(string) error {
		return conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (s *WsServer) reader(auctionID, userID string, conn *clientConn, done chan<- struct{}) {
	defer func() {
		close(done)
		s.hub.Leave(auctionID, conn)
		s.subMgr.Unsubscribe(auctionID)
	}()

	s.keepAlive(conn)
	cc := &ConnContext{AuctionID: auctionID, UserID: userID}

	for {
		var env Envelope
		if err := conn.rawConn.ReadJSON(&env); err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		res, err := s.router.dispatch(ctx, cc, env)
		cancel()

		if err != nil {
			_ = conn.writeJSON(map[string]any{
				"event": "error",
				"body":  errorBody(env.Event, err),
			})
			continue
		}

		reply := map[string]any{"event": env.Event + "-ack"}
		if res != nil {
			reply["body"] = res
		}
		_ = conn.writeJSON(reply)
	}
}

func errorBody(event string, err error) ErrorBody {
	body := ErrorBody{
		Event:     event,
		Error:     err.Error(),
		Code:      auctionerrors.Code(err),
		Retryable: auctionerrors.IsRetryable(err),
	}
	switch {
	case errors.Is(err, errUnknownEvent):
		body.Code = "UNKNOWN_EVENT"
	case errors.Is(err, errBadBody):
		body.Code = "BAD_REQUEST"
	}
	if minRequired, ok := auctionerrors.MinRequired(err); ok {
		body.MinRequired = &minRequired
	}
	if body.Code == "INTERNAL" {
		zap.L().Error("ws.internal_error", zap.String("event", event), zap.Error(err))
		body.Error = "internal error"
	}
	return body
}

func (s *WsServer) pinger(conn *clientConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.close()
				return
			}
		}
	}
}
