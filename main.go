package main

import (
	"context"
	"liveauction/internal/authz"
	"liveauction/internal/clock"
	"liveauction/internal/config"
	"liveauction/internal/database/db_client"
	"liveauction/internal/events"
	"liveauction/internal/events/redisevents"
	"liveauction/internal/http/http_server"
	"liveauction/internal/notify"
	"liveauction/internal/redis/redis_client"
	"liveauction/internal/redis/watcher/auctionwatcher"
	"liveauction/internal/scheduler"
	"liveauction/internal/services/auction"
	"liveauction/internal/services/bidding"
	"liveauction/internal/services/closer"
	"liveauction/internal/store"
	"liveauction/internal/store/memstore"
	"liveauction/internal/store/pgstore"
	"liveauction/internal/ws"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.String("store_backend", cfg.StoreBackend))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Redis
	redisClient, err := redis_client.NewRedisClient(cfg.RedisAuctionsHost, cfg.RedisAuctionsPort,
		cfg.RedisAuctionsPassword, cfg.RedisAuctionsDb)
	if err != nil {
		Log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	// 4. Auction store + bid ledger
	var (
		st  store.Store
		dir store.Directory
	)
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		mem := memstore.New(cfg.BidLockTimeout)
		st, dir = mem, mem
		Log.Warn("Using the in-memory store; state is lost on restart and not shared between instances")
	default:
		pgDb, err := db_client.Open(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser,
			cfg.PostgresPassword, cfg.PostgresDb, cfg.PostgresMaxOpenConns)
		if err != nil {
			Log.Fatal("pg-open", zap.Error(err))
		}
		defer pgDb.Close()

		pg := pgstore.New(pgDb, cfg.BidLockTimeout, cfg.BidConflictRetries)
		if err := pg.Migrate(ctx); err != nil {
			Log.Fatal("pg-migrate", zap.Error(err))
		}
		st, dir = pg, pg
	}

	// 5. Outbound events: live push + notification stream
	clk := clock.Real()
	publisher := redisevents.NewPublisher(redisClient, clk)
	dispatcher := events.NewDispatcher(publisher, publisher, events.Options{
		QueueSize:   cfg.EventQueueSize,
		Workers:     cfg.EventWorkers,
		MaxAttempts: cfg.EventMaxAttempts,
		Backoff:     250 * time.Millisecond,
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	// 6. Bidding core + facade
	engine := bidding.NewEngine(st, dir, clk, dispatcher, bidding.Policy{
		SoftCloseWindow:    cfg.SoftCloseWindow,
		SoftCloseExtension: cfg.SoftCloseExtension,
		HighValueThreshold: cfg.HighValueBidThreshold,
	})
	auctionCloser := closer.New(st, clk, dispatcher, cfg.CommissionRate)
	auctionService, err := auction.NewAuctionService(st, dir, engine, auctionCloser, clk, publisher, auction.Options{
		DefaultMinBidIncrement: cfg.DefaultMinBidIncrement,
		BrowseSweepProbability: cfg.BrowseSweepProbability,
		TerminalCacheSize:      cfg.TerminalCacheSize,
	})
	if err != nil {
		Log.Fatal("auction-service", zap.Error(err))
	}

	// 7. Background: expiry watcher, scheduled sweep, notification consumer
	go auctionwatcher.Run(ctx, redisClient, auctionService)
	scheduler.Run(ctx, cfg.SweepInterval, auctionService)
	go notify.NewConsumer(redisClient, notify.NewLogMailer(dir), consumerName()).Run(ctx)

	// 8. WebSockets hub + activity feed
	hub := ws.NewHub()
	go ws.RunActivityFeed(ctx, redisClient, hub)
	wsSrv := ws.NewWsServer(hub, redisClient, auctionService)

	// 9. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, http_server.Options{
		ListenPort:  cfg.HttpServerPort,
		AdminPolicy: authz.NewAdminPolicy(cfg.AdminEmails),
		CronSecret:  cfg.CronSecret,
	}, wsSrv, auctionService)

	go func() {
		<-ctx.Done()
		_ = httpServer.Dispose()
	}()
	if err := httpServer.Start(); err != nil {
		Log.Fatal("Failed to start HTTP server", zap.Error(err))
	}
	Log.Info("http server stopped, draining events")
}

func consumerName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "node-" + uuid.NewString()[:8]
}
