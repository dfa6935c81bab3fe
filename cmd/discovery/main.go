// bidwatch-discovery
//
// Candidate path. On a cron schedule it walks the external notice listing,
// stores new candidates, scores them against every recipient profile and
// fans out the matches. A second schedule expires candidates whose deadline
// has passed.
//
// HTTP: /health, /metrics, POST /runs/poll, POST /runs/lifecycle.
// gRPC: grpc.health.v1.Health.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bidwatch/internal/alert"
	"bidwatch/internal/api"
	"bidwatch/internal/bus"
	"bidwatch/internal/config"
	"bidwatch/internal/db"
	"bidwatch/internal/dispatch"
	"bidwatch/internal/feed"
	"bidwatch/internal/grpcserver"
	"bidwatch/internal/lifecycle"
	"bidwatch/internal/logger"
	"bidwatch/internal/matching"
	"bidwatch/internal/queue"
	"bidwatch/internal/scheduler"
	"bidwatch/internal/store"
)

const (
	serviceName   = "bidwatch.discovery"
	workStreamLen = 100000
)

func main() {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load(config.Ports{HTTP: "8081", GRPC: "9081"})
	if err != nil {
		log.Fatalf("[discovery] Config error: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel, "discovery")
	if err != nil {
		log.Fatalf("[discovery] Logger error: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("Discovery service failed", logger.Error(err))
		_ = lg.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, lg logger.Logger) error {
	// ── PostgreSQL ───────────────────────────────────────────────────────────
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	applied, err := db.Migrate(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	lg.Info("PostgreSQL connected", logger.Bool("migrated", applied))

	// ── Redis ────────────────────────────────────────────────────────────────
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()
	lg.Info("Redis connected")

	// ── Pipeline ─────────────────────────────────────────────────────────────
	st := store.NewPostgres(pool)
	pub, closePub := bus.New(rdb, bus.Options{
		Channel:      bus.DefaultChannel,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
	}, lg)
	defer closePub()
	alerts := alert.NewRedisNotifier(rdb)
	work := queue.NewProducer(rdb, queue.WorkStream, workStreamLen)

	disp := dispatch.New(st, work, pub, alerts, dispatch.Config{
		Source:        bus.SourceDiscovery,
		AlertScore:    cfg.Match.AlertScore,
		AlertSeverity: cfg.Rules.AlertSeverity,
		Retry:         dispatch.DefaultRetryConfig(),
	}, lg)

	poller := feed.NewPoller(feed.PollerConfig{
		BaseURL:      cfg.Feed.BaseURL,
		APIKey:       cfg.Feed.APIKey,
		NoticeTypes:  cfg.Feed.NoticeTypes,
		PageInterval: cfg.Feed.PageInterval,
		PageTimeout:  cfg.Feed.PageTimeout,
	}, lg)
	worker := feed.NewWorker(
		poller,
		feed.NewGate(st, rdb, lg),
		st,
		matching.NewEngine(cfg.Match.MinScore),
		disp,
		work,
		feed.WorkerConfig{PageSize: cfg.Feed.PageSize, Workers: cfg.IngestWorkers},
		lg,
	)
	sweeper := lifecycle.NewSweeper(st, work, lg)

	// ── Scheduler ────────────────────────────────────────────────────────────
	grpcSrv := grpcserver.New(serviceName, lg)
	sched := scheduler.New(alerts, grpcSrv, lg)
	for _, j := range []scheduler.Job{
		{Name: "poll", Spec: cfg.Schedule.Poll, Run: worker.Run},
		{Name: "lifecycle", Spec: cfg.Schedule.Lifecycle, Run: sweeper.Run},
	} {
		if err := sched.Register(j); err != nil {
			return err
		}
	}

	// ── Servers ──────────────────────────────────────────────────────────────
	router := api.NewRouter("discovery", st, lg)
	api.RegisterRuns(router, sched)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual runs respond when the run ends
	}

	errc := make(chan error, 2)
	go func() {
		lg.Info("HTTP listening", logger.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.ListenAndServe(cfg.GRPCPort); err != nil {
			errc <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	if err := sched.Start(ctx); err != nil {
		return err
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
		lg.Info("Shutting down")
	case runErr = <-errc:
	}

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("HTTP shutdown error", logger.Error(err))
	}
	grpcSrv.GracefulStop()
	lg.Info("Stopped")
	return runErr
}
