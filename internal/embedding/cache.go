package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/echolens/opinionmap/internal/store/postgres"
)

// idListLimit bounds "fetch rows by id list" calls to the store.
const idListLimit = 1000

// PostStore is the slice of the store the embedding cache needs.
type PostStore interface {
	ListPostsByIDs(ctx context.Context, ids []uuid.UUID) ([]postgres.Post, error)
	UpsertPostEmbeddingsBatch(ctx context.Context, ids []uuid.UUID, vectors []pgvector.Vector, modelID string) (int64, error)
}

// FillOptions tunes the cache-fill batching discipline.
type FillOptions struct {
	BatchSize  int           // texts per embedding call
	BatchDelay time.Duration // pause between calls, respects provider rate limits
}

// FillResult summarises one cache-fill pass.
type FillResult struct {
	Requested int // posts asked about
	Skipped   int // already embedded (cache hit)
	Embedded  int // newly written vectors
	Failed    int // posts in sub-batches whose embedding call exhausted retries
}

// FillCache embeds every post in postIDs that has no cached vector and
// writes the results back to the posts table. Already-embedded posts are
// skipped, so re-running over the same ids is a no-op.
//
// A failed sub-batch is logged and skipped rather than failing the whole
// pass; partial success is normal. The error return is reserved for store
// failures, which the caller's queue layer retries.
func FillCache(ctx context.Context, client Embedder, ps PostStore, postIDs []uuid.UUID, opts FillOptions, logger *slog.Logger) (FillResult, error) {
	res := FillResult{Requested: len(postIDs)}
	if len(postIDs) == 0 {
		return res, nil
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = maxBatchSize
	}

	var pending []postgres.Post
	for start := 0; start < len(postIDs); start += idListLimit {
		chunk := postIDs[start:min(start+idListLimit, len(postIDs))]
		posts, err := ps.ListPostsByIDs(ctx, chunk)
		if err != nil {
			return res, fmt.Errorf("list posts by ids: %w", err)
		}
		for _, p := range posts {
			if p.Embedding != nil {
				res.Skipped++
				continue
			}
			pending = append(pending, p)
		}
	}

	if len(pending) == 0 {
		return res, nil
	}

	logger.Info("filling embedding cache",
		slog.Int("pending", len(pending)),
		slog.Int("skipped", res.Skipped),
		slog.String("model", client.ModelID()))

	for start := 0; start < len(pending); start += opts.BatchSize {
		if start > 0 && opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(opts.BatchDelay):
			}
		}

		batch := pending[start:min(start+opts.BatchSize, len(pending))]
		texts := make([]string, len(batch))
		ids := make([]uuid.UUID, len(batch))
		for i, p := range batch {
			texts[i] = BuildEmbeddingText(p)
			ids[i] = p.ID
		}

		embeddings, err := client.EmbedBatch(ctx, texts, "search_document")
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			logger.Warn("embedding batch failed, skipping",
				slog.Int("batch_start", start),
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()))
			res.Failed += len(batch)
			continue
		}
		if len(embeddings) != len(batch) {
			logger.Warn("embedding count mismatch, skipping batch",
				slog.Int("got", len(embeddings)),
				slog.Int("expected", len(batch)))
			res.Failed += len(batch)
			continue
		}

		vectors := make([]pgvector.Vector, len(embeddings))
		for i, e := range embeddings {
			vectors[i] = pgvector.NewVector(e)
		}

		written, err := ps.UpsertPostEmbeddingsBatch(ctx, ids, vectors, client.ModelID())
		if err != nil {
			return res, fmt.Errorf("upsert embeddings batch: %w", err)
		}
		res.Embedded += int(written)
	}

	return res, nil
}
