// Package main is the single CLI entrypoint for the ingestion and
// analytics pipeline, dispatching to one of seven modes: schedule, worker,
// embeddings, alerts, aggregates, retention, repair_velocity.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feedpulse/signalpipe/internal/app"

	embeddingsadapter "github.com/feedpulse/signalpipe/internal/adapter/embeddings"
	"github.com/feedpulse/signalpipe/internal/adapter/observability"
	"github.com/feedpulse/signalpipe/internal/adapter/projection"
	"github.com/feedpulse/signalpipe/internal/adapter/repo/postgres"
	"github.com/feedpulse/signalpipe/internal/adapter/scraper"
	"github.com/feedpulse/signalpipe/internal/config"
	"github.com/feedpulse/signalpipe/internal/domain"
	"github.com/feedpulse/signalpipe/internal/usecase"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	mode := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	ready := app.ReadinessChecker{DBCheck: func(ctx context.Context) error { return pool.Ping(ctx) }}
	go serveDiagnostics(cfg, ready)

	feeds := postgres.NewFeedRepo(pool)
	if backfilled, err := feeds.BackfillLegacyFeedIDs(ctx); err != nil {
		slog.Error("legacy feed_id backfill failed", slog.Any("error", err))
	} else if backfilled > 0 {
		slog.Info("legacy feed_id backfill complete", slog.Int("rows", backfilled))
	}

	var pauseCache *observability.PauseCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url parse failed", slog.Any("error", err))
			os.Exit(1)
		}
		redisClient := redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
		pauseCache = observability.NewPauseCache(redisClient)
	}

	posts := postgres.NewPostsRepo(pool)
	queue := postgres.NewQueueRepo(pool)
	metrics := postgres.NewCheckpointMetricsRepo(pool)
	signals := postgres.NewSignalsRepo(pool)
	breaker := postgres.NewCircuitBreakerRepo(pool, pauseCache)
	embeddingsRepo := postgres.NewEmbeddingsRepo(pool)
	aggregates := postgres.NewAggregatesRepo(pool)
	alertQueries := postgres.NewAlertQueriesRepo(pool)
	alerts := postgres.NewAlertsRepo(pool)
	runLogs := postgres.NewRunLogRepo(pool)
	cleanup := postgres.NewCleanupService(pool, cfg.RunLogRetentionDays, cfg.SignalRetentionMonths)

	classifier := usecase.NewClassifier(posts)
	lifecycle := usecase.NewLifecycle(posts, metrics, signals, queue, classifier)

	runID, err := runLogs.Start(ctx, mode)
	if err != nil {
		slog.Error("run log start failed", slog.Any("error", err))
	}
	finish := func(runErr error) {
		if runID == "" {
			return
		}
		status, detail := "success", ""
		if runErr != nil {
			status, detail = "failed", runErr.Error()
		}
		if err := runLogs.Finish(ctx, runID, status, detail); err != nil {
			slog.Error("run log finish failed", slog.Any("error", err))
		}
	}

	var runErr error
	switch mode {
	case "schedule":
		runErr = runSchedule(ctx, os.Args[2:], feeds, queue)
	case "worker":
		runErr = runWorker(ctx, cfg, queue, breaker, feeds, lifecycle)
	case "embeddings":
		runErr = runEmbeddings(ctx, cfg, os.Args[2:], signals, embeddingsRepo)
	case "alerts":
		runErr = runAlerts(ctx, cfg, os.Args[2:], feeds, embeddingsRepo, alerts, aggregates, alertQueries)
	case "aggregates":
		runErr = runAggregates(ctx, cfg, os.Args[2:], feeds, aggregates)
	case "retention":
		runErr = runRetention(ctx, cfg, cleanup, runLogs)
	case "repair_velocity":
		runErr = runRepairVelocity(ctx, cfg, os.Args[2:], signals, lifecycle, feeds)
	default:
		usage()
		os.Exit(2)
	}

	finish(runErr)
	if runErr != nil {
		slog.Error("mode failed", slog.String("mode", mode), slog.Any("error", runErr))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: pipeline <mode> [flags]

modes:
  schedule --run_type {daily,weekly}
  worker
  embeddings [--subscriber_id N]
  alerts [--subscriber_id N]
  aggregates [--subscriber_id N]
  retention
  repair_velocity [--subscriber_id N]`)
}

func subscriberIDFlag(args []string, name string) (*int64, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	subID := fs.Int64("subscriber_id", 0, "scope to a single subscriber id")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *subID == 0 {
		return nil, nil
	}
	return subID, nil
}

func runSchedule(ctx domain.Context, args []string, feeds domain.FeedRepository, queue domain.QueueStore) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	runType := fs.String("run_type", "", "daily or weekly")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var rt domain.RunType
	switch *runType {
	case "daily":
		rt = domain.RunTypeDaily
	case "weekly":
		rt = domain.RunTypeWeekly
	default:
		return fmt.Errorf("op=main.schedule: %w: --run_type must be daily or weekly", domain.ErrInvalidArgument)
	}

	scheduler := usecase.NewScheduler(feeds, queue)
	enqueued, err := scheduler.Run(ctx, rt)
	if err != nil {
		return err
	}
	slog.Info("schedule run complete", slog.String("run_type", string(rt)), slog.Int("enqueued", enqueued))
	return nil
}

func runWorker(ctx domain.Context, cfg config.Config, queue domain.QueueStore, breaker domain.CircuitBreakerStore, feeds domain.FeedRepository, lifecycle *usecase.Lifecycle) error {
	scraperClient, err := scraper.New(cfg)
	if err != nil {
		return fmt.Errorf("op=main.worker.scraper_init: %w", err)
	}

	w := &usecase.Worker{
		Queue:                queue,
		Breaker:              breaker,
		Scraper:              scraperClient,
		Feeds:                feeds,
		Lifecycle:            lifecycle,
		Retry:                cfg.RetryPolicy(),
		Projector:            buildProjector(cfg),
		SheetHeaders:         config.SheetHeaderList(cfg.SheetHeaders),
		CircuitTriggerN:      cfg.CircuitBreakerTriggerN,
		CircuitCooldownHours: cfg.CircuitBreakerCooldownHrs,
		BatchSize:            cfg.WorkerPostBatchSize,
		IdleInterval:         cfg.WorkerIdleInterval,
	}
	w.RunLoop(ctx)
	return nil
}

// buildProjector returns the HTTP-backed spreadsheet writer when a sheets
// API is configured, and the logging no-op otherwise.
func buildProjector(cfg config.Config) domain.SpreadsheetProjector {
	if cfg.SheetsAPIBaseURL == "" {
		return projection.New()
	}
	client := projection.NewRESTClient(cfg.SheetsAPIBaseURL, cfg.SheetsAPIToken)
	return projection.NewWriter(client, cfg.SheetTitle, config.SheetHeaderList(cfg.SheetDescriptions))
}

func runEmbeddings(ctx domain.Context, cfg config.Config, args []string, signals *postgres.SignalsRepo, store domain.PostEmbeddingStore) error {
	subID, err := subscriberIDFlag(args, "embeddings")
	if err != nil {
		return err
	}
	client := embeddingsadapter.New(cfg)
	gen := usecase.NewEmbeddingsGenerator(signals, client, store, cfg.EmbeddingsModel)
	embedded, err := gen.Run(ctx, subID)
	if err != nil {
		return err
	}
	slog.Info("embeddings run complete", slog.Int("embedded", embedded))
	return nil
}

func runAlerts(ctx domain.Context, cfg config.Config, args []string, feeds domain.FeedRepository, embeddings domain.PostEmbeddingStore, alerts domain.AlertCandidateStore, aggregates *postgres.AggregatesRepo, queries *postgres.AlertQueriesRepo) error {
	subID, err := subscriberIDFlag(args, "alerts")
	if err != nil {
		return err
	}
	pairs, ok := feeds.(domain.FeederPairMetricStore)
	if !ok {
		return fmt.Errorf("op=main.alerts: feed repository does not implement FeederPairMetricStore")
	}

	// Alert scans run against fresh aggregates.
	aggregator := usecase.NewAggregator(feeds, aggregates, cfg.AggregateWindowDays)
	if err := aggregator.RunAll(ctx, subID); err != nil {
		return fmt.Errorf("op=main.alerts.rebuild_aggregates: %w", err)
	}

	engine := usecase.NewAlertEngine(feeds, pairs, embeddings, alerts, aggregates, queries, cfg.AlertMaxPerFeed)
	counts, err := engine.RunAll(ctx, subID)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	slog.Info("alerts run complete", slog.Int("feeds_scanned", len(counts)), slog.Int("candidates_created", total))
	return nil
}

func runAggregates(ctx domain.Context, cfg config.Config, args []string, feeds domain.FeedRepository, aggregates *postgres.AggregatesRepo) error {
	subID, err := subscriberIDFlag(args, "aggregates")
	if err != nil {
		return err
	}
	aggregator := usecase.NewAggregator(feeds, aggregates, cfg.AggregateWindowDays)
	return aggregator.RunAll(ctx, subID)
}

func runRetention(ctx domain.Context, cfg config.Config, cleanup *postgres.CleanupService, runLogs domain.RunLogStore) error {
	sweeper := usecase.NewRetentionSweeper(cleanup, runLogs)
	return sweeper.Run(ctx, cfg.RunLogRetentionDays)
}

func runRepairVelocity(ctx domain.Context, cfg config.Config, args []string, signals *postgres.SignalsRepo, lifecycle *usecase.Lifecycle, feeds domain.FeedRepository) error {
	subID, err := subscriberIDFlag(args, "repair_velocity")
	if err != nil {
		return err
	}
	repairer := usecase.NewVelocityRepairer(signals, lifecycle, feeds, buildProjector(cfg), cfg.SheetHeaders)
	repaired, err := repairer.Run(ctx, subID)
	if err != nil {
		return err
	}
	slog.Info("repair_velocity run complete", slog.Int("repaired", repaired))
	return nil
}

// serveDiagnostics exposes /healthz, /readyz and /metrics on a dedicated
// mux so every mode, the long-running worker included, reports the same way.
func serveDiagnostics(cfg config.Config, ready app.ReadinessChecker) {
	r := app.BuildDiagnosticsRouter(cfg, ready)

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("diagnostics server error", slog.Any("error", err))
	}
}
