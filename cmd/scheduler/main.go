package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/echolens/opinionmap/internal/config"
	"github.com/echolens/opinionmap/internal/pipeline"
	"github.com/echolens/opinionmap/internal/store"
	"github.com/echolens/opinionmap/internal/store/postgres"
	vk "github.com/echolens/opinionmap/internal/store/valkey"
)

// The scheduler sweeps for posts without a cached embedding and enqueues
// them to the vectorize stream, so warm caches are ready before a session
// ever asks for them.
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

	producer := pipeline.NewProducer(vkClient)

	logger.Info("scheduler started",
		slog.Duration("interval", cfg.Scheduler.SweepInterval),
		slog.Int("limit", cfg.Scheduler.SweepLimit))

	ticker := time.NewTicker(cfg.Scheduler.SweepInterval)
	defer ticker.Stop()

	// Sweep once at startup rather than waiting out the first interval.
	sweep(ctx, s, producer, cfg.Scheduler.SweepLimit, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			sweep(ctx, s, producer, cfg.Scheduler.SweepLimit, logger)
		}
	}
}

func sweep(ctx context.Context, s *store.Store, producer *pipeline.Producer, limit int, logger *slog.Logger) {
	posts, err := s.ListUnembeddedPosts(ctx, int32(limit))
	if err != nil {
		logger.Error("sweep query failed", slog.String("error", err.Error()))
		return
	}
	if len(posts) == 0 {
		return
	}

	// Batches stay within a single zone so worker-side loads hit one
	// partition at a time.
	byZone := make(map[uuid.UUID][]uuid.UUID)
	for _, p := range posts {
		byZone[p.ZoneID] = append(byZone[p.ZoneID], p.ID)
	}

	enqueued := 0
	for zoneID, ids := range byZone {
		for start := 0; start < len(ids); start += pipeline.VectorizeBatchSize {
			end := min(start+pipeline.VectorizeBatchSize, len(ids))
			_, err := producer.EnqueueVectorize(ctx, pipeline.VectorizeMessage{
				ZoneID:  zoneID,
				PostIDs: ids[start:end],
			})
			if err != nil {
				logger.Error("failed to enqueue vectorize batch",
					slog.String("zone_id", zoneID.String()),
					slog.String("error", err.Error()))
				continue
			}
			enqueued += end - start
		}
	}

	logger.Info("sweep complete",
		slog.Int("pending", len(posts)),
		slog.Int("enqueued", enqueued),
		slog.Int("zones", len(byZone)))
}
