package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/echolens/opinionmap/internal/embedding"
	"github.com/echolens/opinionmap/internal/store/postgres"
)

// VectorizeStage fills the embedding cache for the sampled posts. Posts
// already embedded are skipped, so a session over a warm zone is nearly
// free. The session fails when too little of the sample ends up covered,
// since a map built from a thin slice of the sample misrepresents the
// zone.
type VectorizeStage struct {
	store       Store
	embedder    embedding.Embedder
	batchSize   int
	batchDelay  time.Duration
	minCoverage float64
	logger      *slog.Logger
}

func NewVectorizeStage(store Store, embedder embedding.Embedder, batchSize int, batchDelay time.Duration, minCoverage float64, logger *slog.Logger) *VectorizeStage {
	return &VectorizeStage{
		store:       store,
		embedder:    embedder,
		batchSize:   batchSize,
		batchDelay:  batchDelay,
		minCoverage: minCoverage,
		logger:      logger,
	}
}

func (s *VectorizeStage) Name() string { return "vectorize" }

func (s *VectorizeStage) Execute(ctx context.Context, sc *SessionContext) error {
	covered := 0
	var toEmbed []uuid.UUID
	for _, sp := range sc.Sampled {
		if sp.Embedded {
			covered++
		} else {
			toEmbed = append(toEmbed, sp.ID)
		}
	}

	if len(toEmbed) > 0 {
		if s.embedder == nil {
			s.logger.Warn("no embedding provider configured, relying on cache only",
				slog.String("session_id", sc.SessionID.String()),
				slog.Int("uncached", len(toEmbed)))
		} else {
			res, err := embedding.FillCache(ctx, s.embedder, s.store, toEmbed, embedding.FillOptions{
				BatchSize:  s.batchSize,
				BatchDelay: s.batchDelay,
			}, s.logger)
			if err != nil {
				return fmt.Errorf("fill embedding cache: %w", err)
			}
			covered += res.Skipped + res.Embedded
		}
	}

	coverage := float64(covered) / float64(len(sc.Sampled))
	if coverage < s.minCoverage {
		return fmt.Errorf("embedding coverage %.0f%% below required %.0f%% (%d of %d posts)",
			coverage*100, s.minCoverage*100, covered, len(sc.Sampled))
	}

	sc.VectorizedPosts = covered

	vectorized := int32(covered)
	return commitPhase(ctx, s.store, postgres.UpdateSessionPhaseParams{
		ID:              sc.SessionID,
		Status:          postgres.StatusReducing,
		Progress:        progressVectorized,
		PhaseMessage:    "Projecting posts to 3D",
		VectorizedPosts: &vectorized,
	})
}
