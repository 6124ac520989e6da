// Package main provides the worker entry point. The worker runs the card
// scheduler, the SSE-facing event store, the analysis cache maintenance loops
// (evictor, backup replicator) and retention cleanup.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/elonfeng/dinq-analyze-sub000/internal/adapter/cards/stub"
	"github.com/elonfeng/dinq-analyze-sub000/internal/adapter/eventstream/redisstream"
	"github.com/elonfeng/dinq-analyze-sub000/internal/adapter/repo/postgres"
	"github.com/elonfeng/dinq-analyze-sub000/internal/artifact"
	"github.com/elonfeng/dinq-analyze-sub000/internal/cache"
	"github.com/elonfeng/dinq-analyze-sub000/internal/config"
	"github.com/elonfeng/dinq-analyze-sub000/internal/eventstore"
	"github.com/elonfeng/dinq-analyze-sub000/internal/gate"
	"github.com/elonfeng/dinq-analyze-sub000/internal/handler"
	"github.com/elonfeng/dinq-analyze-sub000/internal/observability"
	"github.com/elonfeng/dinq-analyze-sub000/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := ":" + strconv.Itoa(cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx = observability.ContextWithLogger(ctx, logger)

	pool, err := postgres.NewPool(context.Background(), cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(context.Background(), pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Redis is optional: without it the event store runs durable-only and the
	// cache has no remote backup.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url parse failed", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
	}

	jobRepo := postgres.NewJobRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)
	artifactRepo := postgres.NewArtifactRepo(pool)
	cacheRepo := postgres.NewCacheRepo(pool)

	var realtime eventstore.Realtime
	if rdb != nil {
		realtime = redisstream.NewRealtime(rdb, cfg.RedisJobMaxEvents, cfg.RedisJobTTL)
	}
	events := eventstore.New(eventRepo, realtime, jobRepo, eventstore.Options{
		BatchSize:             cfg.BatchSize(),
		Keepalive:             cfg.SSEKeepalive,
		TerminalGrace:         cfg.SSETerminalGrace,
		CleanupOnJobCompleted: cfg.RedisCleanupOnJobDone,
		PostJobTTL:            cfg.RedisPostJobTTL,
	})

	artifacts, err := artifact.NewStore(artifact.Config{
		Root:           cfg.ArtifactDiskDir,
		TTL:            cfg.ArtifactDiskTTL,
		SkipDBPrefixes: cfg.ArtifactSkipDBPrefix,
	}, artifactRepo)
	if err != nil {
		slog.Error("artifact store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	disk, err := cache.NewDiskStore(cfg.CacheDir)
	if err != nil {
		slog.Error("cache disk store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	var backup cache.Backup
	if rdb != nil {
		backup = cache.NewRedisBackup(rdb)
	}
	analysisCache := cache.NewStore(disk, cacheRepo, backup, cache.StoreConfig{
		TTLFor:         cfg.CacheTTLFor,
		RefreshLockTTL: time.Duration(cfg.RefreshLockTTLSeconds()) * time.Second,
	})

	if cfg.EvictorEnabled {
		evictor := cache.NewEvictor(disk, cache.EvictorConfig{
			BudgetBytes: cfg.EvictorMaxBytes,
			Grace:       cfg.EvictorStaleGrace,
			BatchSize:   cfg.EvictorBatchSize,
			Interval:    cfg.EvictorInterval,
		})
		go evictor.Run(ctx)
	}
	if cfg.ReplicatorEnabled && backup != nil {
		replicator := cache.NewReplicator(disk, cacheRepo, backup, cache.ReplicatorConfig{
			BatchSize:     cfg.ReplicatorBatchSize,
			Interval:      cfg.ReplicatorPollInterval,
			LockTTL:       cfg.ReplicatorLockTTL,
			TTLMultiplier: int(cfg.BackupMultiplier()),
			MaxBackupTTL:  time.Duration(cfg.BackupMaxTTLSeconds) * time.Second,
		})
		go replicator.Run(ctx)
	}

	registry := handler.NewRegistry()
	if !cfg.IsProd() {
		// Real crawlers and LLM callers plug in at build time; outside prod
		// the deterministic stub set keeps the full pipeline exercisable.
		stub.Register(registry)
	}
	registry.Seal()

	g := gate.New(gate.Budgets{
		Resource: cfg.MaxRetriesResource,
		AI:       cfg.MaxRetriesAI,
		Base:     cfg.MaxRetriesBase,
	})
	gate.RegisterDefaults(g)
	g.Seal()

	sched := scheduler.New(jobRepo, events, artifacts, analysisCache, registry, g, scheduler.Config{
		MaxWorkers:             cfg.MaxWorkers(),
		PollInterval:           cfg.SchedulerPollInterval,
		GroupLimits:            cfg.GroupLimits(),
		PipelineVersion:        cfg.PipelineVersion,
		StuckCardMaxAge:        cfg.StuckCardMaxAge,
		StuckCardSweepInterval: cfg.StuckCardSweepInterval,
	})
	sched.Start(ctx)

	cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)

	slog.Info("worker started",
		slog.Int("max_workers", cfg.MaxWorkers()),
		slog.Bool("realtime_tier", rdb != nil),
		slog.String("pipeline_version", cfg.PipelineVersion),
	)

	<-ctx.Done()
	slog.Info("signal received, shutting down")
	sched.Stop()
	slog.Info("worker stopped")
}
