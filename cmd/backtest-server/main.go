package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"backtester/internal/api"
	"backtester/internal/config"
	"backtester/internal/engine"
	"backtester/internal/feed"
	"backtester/internal/push"
	"backtester/internal/queue"
	"backtester/internal/store"
	"backtester/internal/universe"
	"backtester/internal/util"
)

func main() {
	if err := config.LoadEnvFile(); err != nil {
		log.Fatalf("loading .env: %v", err)
	}
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	results, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening result store: %v", err)
	}
	defer results.Close()

	start, err := time.Parse("2006-01-02", cfg.Feed.StartDate)
	if err != nil {
		log.Fatalf("parsing feed.start_date: %v", err)
	}
	var cache store.BarCache
	if !cfg.Feed.NoCache {
		cache = store.NewParquetCache(cfg.Storage.DataDir)
	}
	prices := feed.NewCached(
		feed.NewAlpacaProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed),
		cache,
		feed.Options{
			RateLimitPerMin: cfg.Feed.RateLimitPerMin,
			MaxRetries:      cfg.Feed.MaxRetries,
			RetryBaseDelay:  cfg.Feed.RetryBaseDelay,
			Start:           start,
			NoCache:         cfg.Feed.NoCache,
		},
	)

	u := universe.New(cfg.Storage.ResDir, cfg.Universe.Exchanges, cfg.Universe.BlacklistPath, cfg.Universe.FaultyPath)
	hub := push.NewHub(logger)
	hub.SendBuffer = cfg.Engine.ProgressBuffer
	q := queue.New(logger)

	e := engine.NewEngine(results, prices, u, q, hub, engine.Options{
		Workers:      cfg.Engine.Workers,
		RepairFaulty: true,
	})

	srv := api.NewServer(e, hub,
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort),
		logger,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("backtest-server starting",
		"http", cfg.Server.Port,
		"grpc", cfg.Server.GRPCPort,
		"workers", cfg.Engine.Workers,
		"cache", !cfg.Feed.NoCache,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		// Running jobs finish; queued ones are drained before exit.
		q.Close()
		hub.Close()
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}
	logger.Info("backtest-server stopped")
}
