package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/echolens/opinionmap/internal/store/postgres"
)

// SampleStage selects the posts a session will map. The sample size is
// clamped to the configured ceiling, and a range with too few posts fails
// the session outright rather than producing a misleading map.
type SampleStage struct {
	store     Store
	minSample int
	maxSample int
	logger    *slog.Logger
}

func NewSampleStage(store Store, minSample, maxSample int, logger *slog.Logger) *SampleStage {
	return &SampleStage{store: store, minSample: minSample, maxSample: maxSample, logger: logger}
}

func (s *SampleStage) Name() string { return "sample" }

func (s *SampleStage) Execute(ctx context.Context, sc *SessionContext) error {
	limit := sc.Config.SampleSize
	if limit <= 0 || limit > s.maxSample {
		limit = s.maxSample
	}
	policy := sc.Config.SamplePolicy
	if policy == "" {
		policy = "recent"
	}

	sampled, err := s.store.SamplePosts(ctx, postgres.SamplePostsParams{
		ZoneID: sc.ZoneID,
		From:   sc.Config.DateFrom,
		To:     sc.Config.DateTo,
		Limit:  int32(limit),
		Policy: policy,
		Seed:   sc.Config.Seed,
	})
	if err != nil {
		return fmt.Errorf("sample posts: %w", err)
	}
	if len(sampled) < s.minSample {
		return fmt.Errorf("zone has %d posts in range, need at least %d for a meaningful map",
			len(sampled), s.minSample)
	}

	cached := 0
	for _, sp := range sampled {
		if sp.Embedded {
			cached++
		}
	}
	s.logger.Info("sample selected",
		slog.String("session_id", sc.SessionID.String()),
		slog.String("policy", policy),
		slog.Int("posts", len(sampled)),
		slog.Int("cached", cached))

	sc.Sampled = sampled

	total := int32(len(sampled))
	return commitPhase(ctx, s.store, postgres.UpdateSessionPhaseParams{
		ID:           sc.SessionID,
		Status:       postgres.StatusVectorizing,
		Progress:     progressSampled,
		PhaseMessage: fmt.Sprintf("Embedding %d posts", total),
		TotalPosts:   &total,
	})
}
