package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/echolens/opinionmap/internal/config"
	"github.com/echolens/opinionmap/internal/embedding"
	"github.com/echolens/opinionmap/internal/label"
	"github.com/echolens/opinionmap/internal/llm"
	"github.com/echolens/opinionmap/internal/pipeline"
	"github.com/echolens/opinionmap/internal/store"
	"github.com/echolens/opinionmap/internal/store/postgres"
	vk "github.com/echolens/opinionmap/internal/store/valkey"
	"github.com/echolens/opinionmap/internal/vectorize"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	s := store.New(pool)

	vkClient, err := vk.NewClient(cfg.Valkey)
	if err != nil {
		logger.Error("failed to connect to valkey", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer vkClient.Close()
	logger.Info("connected to valkey")

	// The embedder is optional. Without one the pipeline still runs for
	// zones whose posts are already cached, and fails cleanly otherwise.
	embedder, err := embedding.NewEmbedder(cfg)
	if err != nil {
		logger.Warn("embedding provider unavailable", slog.String("error", err.Error()))
		embedder = nil
	}
	if embedder == nil {
		logger.Warn("no embedding provider configured, running in cache-only mode")
	}

	var completer label.Completer
	if cfg.OpenRouter.APIKey != "" {
		completer = llm.NewClient(cfg.OpenRouter.APIKey, cfg.Labeling.Model, cfg.OpenRouter.BaseURL, cfg.Labeling.MaxRetries)
		logger.Info("LLM labeling enabled", slog.String("model", cfg.Labeling.Model))
	} else {
		logger.Warn("no OpenRouter API key, cluster labels fall back to keywords")
	}
	labeler := label.NewLabeler(completer, cfg.Labeling.Concurrency, logger)

	stages := []pipeline.Stage{
		pipeline.NewSampleStage(s, cfg.Pipeline.MinSampleSize, cfg.Pipeline.MaxSampleSize, logger),
		pipeline.NewVectorizeStage(s, embedder, cfg.Pipeline.EmbedBatchSize, cfg.Pipeline.EmbedBatchDelay, cfg.Pipeline.MinCoverage, logger),
		pipeline.NewReduceStage(s, cfg.Pipeline.ReduceDims, logger),
		pipeline.NewClusterStage(s, cfg.Pipeline.MinClusterSize, logger),
		pipeline.NewLabelStage(s, labeler, logger),
	}
	p := pipeline.NewPipeline(s, stages, cfg.Pipeline.PhaseTimeout, logger)

	sessionConsumer := pipeline.NewConsumer(vkClient, "worker-1", logger)
	if err := sessionConsumer.EnsureGroup(ctx); err != nil {
		logger.Error("failed to create session consumer group", slog.String("error", err.Error()))
		os.Exit(1)
	}

	vecWorker := vectorize.NewWorker(embedder, s, vectorize.Options{
		BatchSize:  cfg.Pipeline.EmbedBatchSize,
		BatchDelay: cfg.Pipeline.EmbedBatchDelay,
	}, logger)
	vecConsumer := pipeline.NewVectorizeConsumer(vkClient, "vectorize-worker-1", logger)
	if err := vecConsumer.EnsureGroup(ctx); err != nil {
		logger.Error("failed to create vectorize consumer group", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("session consumer started")
		if err := sessionConsumer.Consume(ctx, p.Run); err != nil && ctx.Err() == nil {
			logger.Error("session consumer stopped", slog.String("error", err.Error()))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("vectorize consumer started")
		if err := vecConsumer.Consume(ctx, vecWorker.Handle); err != nil && ctx.Err() == nil {
			logger.Error("vectorize consumer stopped", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down worker")
	wg.Wait()
	logger.Info("worker stopped")
}
