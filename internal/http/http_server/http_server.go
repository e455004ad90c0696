package http_server

import (
	"context"
	"errors"
	"fmt"
	"liveauction/internal/authz"
	"liveauction/internal/http/auctionhandler"
	"liveauction/internal/services/auction"
	"liveauction/internal/ws"
	"net"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abrar71/swaggerfilesv2" // swagger embed files
)

type Options struct {
	ListenPort  uint16
	AdminPolicy *authz.AdminPolicy
	CronSecret  string
}

type httpServer struct {
	opts           Options
	srv            http.Server
	ln             net.Listener
	auctionService auction.IAuctionService
	wsSrv          *ws.WsServer
	ctx            context.Context
}

func NewHttpServer(ctx context.Context, opts Options, wsSrv *ws.WsServer, auctionService auction.IAuctionService) *httpServer {
	if opts.AdminPolicy == nil {
		opts.AdminPolicy = authz.NewAdminPolicy(nil)
	}
	return &httpServer{
		opts:           opts,
		wsSrv:          wsSrv,
		auctionService: auctionService,
		ctx:            ctx,
	}
}

// Router builds the gin engine with every route mounted.
func (h *httpServer) Router() *gin.Engine {
	routerEngine := gin.New()

	// Swagger UI and API specs
	routerEngine.StaticFS("/swagger-apis", http.FS(swaggerfilesv2.FS))
	routerEngine.Static("/api-specs", "api_specs")

	routerEngine.Use(ginzap.RecoveryWithZap(zap.L(), true))

	routerEngine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	if h.wsSrv != nil {
		routerEngine.GET("/ws", h.wsSrv.Handle)
		routerEngine.GET("/ws/activity", h.wsSrv.HandleActivity)
	}

	ah := auctionhandler.New(h.auctionService)
	ah.Register(routerEngine)
	ah.RegisterSweep(routerEngine, "/internal/close-auctions", authz.RequireCronSecret(h.opts.CronSecret))
	ah.RegisterSweep(routerEngine, "/admin/sweep", h.opts.AdminPolicy.RequireAdmin())

	return routerEngine
}

// Start blocks serving until Dispose is called.
func (h *httpServer) Start() error {
	var err error
	listenAddr := fmt.Sprintf(":%d", h.opts.ListenPort)
	h.ln, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}

	h.srv = http.Server{
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := h.srv.Serve(h.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Dispose gracefully shuts the HTTP server down.
// It waits up to 10 s for in‑flight requests to finish.
func (h *httpServer) Dispose() error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), 10*time.Second)
	defer cancel()

	if err := h.srv.Shutdown(ctx); err != nil {
		zap.L().Error("http_dispose", zap.Error(err))
		return err
	}
	return nil
}
