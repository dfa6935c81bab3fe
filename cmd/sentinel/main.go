// bidwatch-sentinel
//
// Activity path. Consumes activity events from the activity stream (or
// POST /activity), appends them, evaluates the rule catalog and fans out
// detected events. A nightly schedule enqueues one summary work item per
// active actor; this service's work-stream consumer computes them.
//
// HTTP: /health, /metrics, POST /activity, POST /detections/:id/resolve,
// GET|POST /summaries/:subject/:date, POST /runs/summary.
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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bidwatch/internal/alert"
	"bidwatch/internal/api"
	"bidwatch/internal/bus"
	"bidwatch/internal/config"
	"bidwatch/internal/db"
	"bidwatch/internal/dispatch"
	"bidwatch/internal/grpcserver"
	"bidwatch/internal/lifecycle"
	"bidwatch/internal/logger"
	"bidwatch/internal/queue"
	"bidwatch/internal/rules"
	"bidwatch/internal/scheduler"
	"bidwatch/internal/store"
	"bidwatch/internal/summary"
)

const (
	serviceName   = "bidwatch.sentinel"
	workStreamLen = 100000

	activityGroup = "sentinel-activity"
	summaryGroup  = "sentinel-summary"
)

func main() {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load(config.Ports{HTTP: "8082", GRPC: "9082"})
	if err != nil {
		log.Fatalf("[sentinel] Config error: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel, "sentinel")
	if err != nil {
		log.Fatalf("[sentinel] Logger error: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("Sentinel service failed", logger.Error(err))
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
		Source:        bus.SourceSentinel,
		AlertScore:    cfg.Match.AlertScore,
		AlertSeverity: cfg.Rules.AlertSeverity,
		Retry:         dispatch.DefaultRetryConfig(),
	}, lg)

	engine := rules.NewEngine(st, rules.Config{
		FailedLoginThreshold: cfg.Rules.FailedLoginThreshold,
		BulkListThreshold:    cfg.Rules.BulkListThreshold,
		BulkExportThreshold:  cfg.Rules.BulkExportThreshold,
		Disabled:             cfg.Rules.Disabled,
		HistoryQueryTimeout:  cfg.Rules.HistoryQueryTimeout,
		Location:             cfg.Location,
		SecurityRetention:    days(cfg.Rules.SecurityRetentionDays),
		ComplianceRetention:  days(cfg.Rules.ComplianceRetentionDays),
	}, lg)
	lg.Info("Rule catalog loaded", logger.Strings("enabled", engine.Enabled()))

	processor := rules.NewProcessor(st, engine, disp, lg)
	summarizer := summary.NewSummarizer(st, cfg.Location, lg)
	planner := summary.NewPlanner(st, work, cfg.Location, lg)
	resolver := lifecycle.NewResolver(st, pub, bus.SourceSentinel, lg)

	consumerID := consumerName()
	activity, err := queue.NewConsumer(rdb, queue.ConsumerConfig{
		Stream: queue.ActivityStream, Group: activityGroup, ConsumerID: consumerID,
	}, lg.With(logger.String("stream", queue.ActivityStream)))
	if err != nil {
		return err
	}
	summaries, err := queue.NewConsumer(rdb, queue.ConsumerConfig{
		Stream: queue.WorkStream, Group: summaryGroup, ConsumerID: consumerID,
	}, lg.With(logger.String("stream", queue.WorkStream)))
	if err != nil {
		return err
	}

	// ── Scheduler ────────────────────────────────────────────────────────────
	grpcSrv := grpcserver.New(serviceName, lg)
	sched := scheduler.New(alerts, grpcSrv, lg)
	if err := sched.Register(scheduler.Job{Name: "summary", Spec: cfg.Schedule.Summary, Run: planner.Run}); err != nil {
		return err
	}

	// ── Servers ──────────────────────────────────────────────────────────────
	router := api.NewRouter("sentinel", st, lg)
	api.RegisterRuns(router, sched)
	(&api.Sentinel{
		Activity:  processor,
		Resolver:  resolver,
		Summaries: st,
		Summarize: summarizer,
	}).Register(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return activity.Run(gctx, processor.HandleMessage) })
	g.Go(func() error { return summaries.Run(gctx, summarizer.HandleMessage) })
	g.Go(func() error {
		lg.Info("HTTP listening", logger.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return grpcSrv.ListenAndServe(cfg.GRPCPort) })
	g.Go(func() error {
		startErr := sched.Start(gctx)
		if startErr == nil {
			<-gctx.Done()
		}

		// ── Graceful shutdown ────────────────────────────────────────────────
		lg.Info("Shutting down")
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Warn("HTTP shutdown error", logger.Error(err))
		}
		grpcSrv.GracefulStop()
		return startErr
	})

	err = g.Wait()
	lg.Info("Stopped")
	return err
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// consumerName identifies this process within the consumer groups.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "sentinel-" + uuid.NewString()[:8]
	}
	return host
}
