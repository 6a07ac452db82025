package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"media-refinery/internal/analyze"
	"media-refinery/internal/config"
	"media-refinery/internal/generate"
	"media-refinery/internal/orchestrator"
	"media-refinery/internal/progress"
	"media-refinery/internal/queue"
	"media-refinery/internal/refine"
	"media-refinery/internal/scoring"
	"media-refinery/internal/store"
	"media-refinery/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		slog.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		slog.Error("run migrations", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("connect redis", "error", err)
		os.Exit(1)
	}

	artifacts, err := generate.NewArtifactStore(ctx, cfg)
	if err != nil {
		slog.Error("init artifact store", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(rdb, cfg.LeaseTTL)
	bus := progress.NewBus(rdb, st)

	calc := scoring.NewCalculator(scoring.Config{
		IndicatorPenaltyPerHit: cfg.IndicatorPenaltyPerHit,
		FindingPenaltyPerHit:   cfg.FindingPenaltyPerHit,
		PenaltyCap:             cfg.PenaltyCap,
		IndicatorWeight:        cfg.IndicatorWeight,
		QualityTerms:           cfg.QualityTerms,
		DetectionTerms:         cfg.DetectionTerms,
	})

	orc := orchestrator.New(
		st,
		bus,
		generate.NewClient(cfg, artifacts),
		analyze.NewClient(cfg),
		refine.NewRefiner(cfg.OpenAIAPIKey, cfg.RefinerModel, cfg.RefinerTimeout, cfg.MaxDescriptionLen),
		calc,
		q,
		cfg.SearchCategories,
		cfg.AnalysisPrompts,
	)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "error", err)
		}
	}()

	slog.Info("worker started", "env", cfg.Env, "lease_ttl", cfg.LeaseTTL.String())

	processor := orchestrator.NewProcessor(q, st, bus, orc, cfg.WorkerPollInterval, cfg.LeaseTTL)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker loop", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
}
