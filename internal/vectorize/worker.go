// Package vectorize backfills the post embedding cache ahead of session
// demand, so opinion-map sessions over active zones start mostly warm.
package vectorize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/echolens/opinionmap/internal/embedding"
	"github.com/echolens/opinionmap/internal/pipeline"
)

// Options tunes the worker's embedding batching.
type Options struct {
	BatchSize  int
	BatchDelay time.Duration
}

// Worker processes vectorize batches from the queue.
type Worker struct {
	embedder embedding.Embedder
	store    embedding.PostStore
	opts     Options
	logger   *slog.Logger
}

func NewWorker(embedder embedding.Embedder, store embedding.PostStore, opts Options, logger *slog.Logger) *Worker {
	return &Worker{embedder: embedder, store: store, opts: opts, logger: logger}
}

// Handle embeds every post in the batch that has no cached vector. Posts
// embedded since the batch was enqueued are skipped, so redelivery is
// harmless. A nil return means the message may be ACKed.
func (w *Worker) Handle(ctx context.Context, msg pipeline.VectorizeMessage) error {
	if len(msg.PostIDs) == 0 {
		return nil
	}
	if w.embedder == nil {
		// Without a provider the batch can never make progress; ACK it
		// rather than letting it cycle through redelivery forever.
		w.logger.Warn("no embedding provider configured, dropping vectorize batch",
			slog.String("zone_id", msg.ZoneID.String()),
			slog.Int("posts", len(msg.PostIDs)))
		return nil
	}

	res, err := embedding.FillCache(ctx, w.embedder, w.store, msg.PostIDs, embedding.FillOptions{
		BatchSize:  w.opts.BatchSize,
		BatchDelay: w.opts.BatchDelay,
	}, w.logger)
	if err != nil {
		return fmt.Errorf("fill embedding cache: %w", err)
	}

	w.logger.Info("vectorize batch processed",
		slog.String("zone_id", msg.ZoneID.String()),
		slog.Int("requested", res.Requested),
		slog.Int("embedded", res.Embedded),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed))
	return nil
}
