package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/echolens/opinionmap/internal/reduce"
	"github.com/echolens/opinionmap/internal/store/postgres"
)

// idListLimit bounds "fetch rows by id list" calls to the store.
const idListLimit = 1000

// ReduceStage maps cached embedding vectors to 3D coordinates. When a
// previous delivery already persisted projections for this session, the
// recomputation is skipped and the cluster stage reloads them instead.
type ReduceStage struct {
	store  Store
	dims   int
	logger *slog.Logger
}

func NewReduceStage(store Store, dims int, logger *slog.Logger) *ReduceStage {
	return &ReduceStage{store: store, dims: dims, logger: logger}
}

func (s *ReduceStage) Name() string { return "reduce" }

func (s *ReduceStage) Execute(ctx context.Context, sc *SessionContext) error {
	count, err := s.store.CountProjectionsBySession(ctx, sc.SessionID)
	if err != nil {
		return fmt.Errorf("count projections: %w", err)
	}
	if count > 0 {
		s.logger.Info("projections already persisted, reusing",
			slog.String("session_id", sc.SessionID.String()),
			slog.Int64("count", count))
		sc.Resumed = true
		return commitPhase(ctx, s.store, postgres.UpdateSessionPhaseParams{
			ID:           sc.SessionID,
			Status:       postgres.StatusClustering,
			Progress:     progressReduced,
			PhaseMessage: "Detecting opinion clusters",
		})
	}

	posts, err := s.loadEmbeddedPosts(ctx, sc)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return fmt.Errorf("no embedded posts available for projection")
	}

	vectors := make([][]float32, len(posts))
	for i, p := range posts {
		vectors[i] = p.Embedding.Slice()
	}

	coords, err := reduce.Reduce(vectors, reduce.Options{
		IntermediateDims: s.dims,
		Seed:             sc.Config.Seed,
	})
	if err != nil {
		return fmt.Errorf("reduce embeddings: %w", err)
	}

	sc.Posts = posts
	sc.Coords = coords

	return commitPhase(ctx, s.store, postgres.UpdateSessionPhaseParams{
		ID:           sc.SessionID,
		Status:       postgres.StatusClustering,
		Progress:     progressReduced,
		PhaseMessage: "Detecting opinion clusters",
	})
}

// loadEmbeddedPosts fetches full rows for the sampled posts in bounded
// chunks and keeps those with a cached vector, preserving sample order so
// seeded runs stay reproducible.
func (s *ReduceStage) loadEmbeddedPosts(ctx context.Context, sc *SessionContext) ([]postgres.Post, error) {
	ids := make([]uuid.UUID, len(sc.Sampled))
	for i, sp := range sc.Sampled {
		ids[i] = sp.ID
	}

	byID := make(map[uuid.UUID]postgres.Post, len(ids))
	for start := 0; start < len(ids); start += idListLimit {
		chunk := ids[start:min(start+idListLimit, len(ids))]
		batch, err := s.store.ListPostsByIDs(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("list posts by ids: %w", err)
		}
		for _, p := range batch {
			byID[p.ID] = p
		}
	}

	posts := make([]postgres.Post, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok || p.Embedding == nil {
			continue
		}
		posts = append(posts, p)
	}
	return posts, nil
}
