package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PerpRecon/internal/channel"
	"PerpRecon/internal/config"
	"PerpRecon/internal/core"
	"PerpRecon/internal/dispatch"
	"PerpRecon/internal/exchange"
	"PerpRecon/internal/ingestion"
	"PerpRecon/internal/observability"
	"PerpRecon/internal/persistence"
	"PerpRecon/internal/projection"
	"PerpRecon/internal/query"
	"PerpRecon/internal/resilience"
	"PerpRecon/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	logger := observability.NewLogger("perprecon")
	logger.Info().Msg("PerpRecon starting")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, persistence.Migrations(), observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// --- NATS ---
	nc, js, err := dispatch.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := dispatch.EnsureStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}
	if err := ingestion.EnsurePlacementStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure placement stream")
	}

	// --- Channels ---
	// persist blocks (backpressure), projection drops
	persistChan := make(chan core.Output, cfg.PersistChanSize)
	projectionChan := make(chan core.Output, cfg.ProjectionChanSize)

	publisher := dispatch.NewPublisher(js, cfg.DispatchQueueSize, observability.NewLogger("dispatch"), metrics)

	// --- Exchange transports ---
	sup := resilience.NewSupervisor(cfg.Resilience, observability.NewLogger("resilience"), metrics)
	rest := exchange.NewRESTClient(cfg.RESTURL, cfg.Resilience.CallTimeout)
	poller := exchange.NewSubaccountPoller(rest, sup, cfg.PollPageSize)
	markets := exchange.NewMarketsClient(rest, sup)
	dialer := exchange.NewWSDialer(cfg.WSURL)

	// --- Hub ---
	store := persistence.NewStore(db)
	subs := channel.NewRegistry()
	hubCfg := core.DefaultHubConfig()
	hubCfg.Channel = cfg.Channel
	hubCfg.FillCacheSize = cfg.FillCacheSize
	hubCfg.StartingCapital = cfg.StartingCapital

	hub := core.NewHub(hubCfg, dialer, poller, sup, subs, cfg.Scales, store, store,
		core.Sinks{Persist: persistChan, Project: projectionChan, Dispatch: publisher},
		observability.NewLogger("core"), metrics)

	healthChecker := observability.NewHealthChecker(hub)
	queryService := query.NewService(db, hub)

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, hub, observability.NewLogger("grpc"))
	httpServer, err := server.NewHTTPServer(cfg.HTTPAddr, server.Deps{
		Reader:   queryService,
		Placer:   hub,
		Users:    hub,
		Audit:    store,
		Health:   healthChecker,
		Gatherer: registry,
		GRPCAddr: cfg.GRPCAddr,
		Logger:   observability.NewLogger("http"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build http server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// Workers outlive ctx so they can drain what the pipelines emit while
	// stopping; they exit when their input is closed.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers sync.WaitGroup

	// 1. Persistence worker
	persistCfg := persistence.DefaultWorkerConfig()
	persistCfg.BatchSize = cfg.PersistBatchSize
	persistCfg.FlushTimeout = cfg.PersistFlushTimeout
	persistWorker := persistence.NewWorker(db, persistChan, persistCfg, observability.NewLogger("persistence"), metrics)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			errChan <- err
		}
	}()

	// 2. Projection worker
	projWorker := projection.NewWorker(db, projectionChan, observability.NewLogger("projection"), metrics)
	workers.Add(1)
	go func() {
		defer workers.Done()
		projWorker.Run(workerCtx)
	}()

	// 3. Outbound publisher
	workers.Add(1)
	go func() {
		defer workers.Done()
		publisher.Run(workerCtx)
	}()

	// 4. Placement acknowledgments
	placements := ingestion.NewPlacementSubscriber(js, hub, observability.NewLogger("placements"))
	if err := placements.Subscribe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("subscribe placements")
	}

	// 5. Market data
	go func() {
		if err := hub.RunMarketData(ctx, markets, cfg.MarketDataInterval); err != nil && ctx.Err() == nil {
			errChan <- err
		}
	}()

	// 6. gRPC server
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	// 7. HTTP server
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	// 8. Configured accounts
	var releases []func()
	for _, acct := range cfg.Accounts {
		release, err := hub.Attach(ctx, acct.UserID(), acct.Topic())
		if err != nil {
			logger.Error().Err(err).Str("user_id", acct.UserID()).Msg("attach failed")
			continue
		}
		releases = append(releases, release)
	}

	healthChecker.SetReady(true)
	grpcServer.SetReady(true)

	logger.Info().
		Str("network", string(cfg.Network)).
		Int("accounts", len(releases)).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("PerpRecon ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, stop pipelines, then drain and flush the workers
	healthChecker.SetReady(false)
	grpcServer.SetReady(false)
	placements.Stop()
	cancel()

	for _, release := range releases {
		release()
	}
	hub.Shutdown()

	close(persistChan)
	close(projectionChan)

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain in time")
	}
	stopWorkers()

	logger.Info().Msg("PerpRecon shutdown complete")
}
