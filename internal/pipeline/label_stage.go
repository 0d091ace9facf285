package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/echolens/opinionmap/internal/label"
	"github.com/echolens/opinionmap/internal/store/postgres"
)

// LabelStage names each cluster and persists the cluster rows. Labeling
// never fails a session: LLM errors degrade to keyword labels per cluster.
type LabelStage struct {
	store   Store
	labeler *label.Labeler
	logger  *slog.Logger
}

func NewLabelStage(store Store, labeler *label.Labeler, logger *slog.Logger) *LabelStage {
	return &LabelStage{store: store, labeler: labeler, logger: logger}
}

func (s *LabelStage) Name() string { return "label" }

func (s *LabelStage) Execute(ctx context.Context, sc *SessionContext) error {
	// A redelivered job may land after cluster rows were already persisted;
	// re-labeling would pay the LLM calls again for an identical result.
	existing, err := s.store.ListClustersBySession(ctx, sc.SessionID)
	if err != nil {
		return fmt.Errorf("check existing clusters: %w", err)
	}
	if len(existing) > 0 {
		s.logger.Info("cluster labels already persisted, skipping",
			slog.String("session_id", sc.SessionID.String()),
			slog.Int("clusters", len(existing)))
		return commitPhase(ctx, s.store, postgres.UpdateSessionPhaseParams{
			ID:           sc.SessionID,
			Status:       postgres.StatusLabeling,
			Progress:     progressLabeled,
			PhaseMessage: "Finalizing opinion map",
		})
	}

	postByID := make(map[uuid.UUID]postgres.Post, len(sc.Posts))
	for _, p := range sc.Posts {
		postByID[p.ID] = p
	}

	memberPosts := make(map[int32][]postgres.Post)
	for _, proj := range sc.Projections {
		if proj.IsOutlier {
			continue
		}
		if p, ok := postByID[proj.PostID]; ok {
			memberPosts[proj.ClusterID] = append(memberPosts[proj.ClusterID], p)
		}
	}

	inputs := make([]label.ClusterInput, 0, len(sc.Clusters))
	for _, summary := range sc.Clusters {
		members := memberPosts[int32(summary.ID)]
		texts := representativeTexts(members)
		inputs = append(inputs, label.ClusterInput{
			ClusterID: int32(summary.ID),
			Texts:     texts,
			Keywords:  label.Extract(texts, 5),
		})
	}

	labels, err := s.labeler.LabelClusters(ctx, inputs)
	if err != nil {
		return fmt.Errorf("label clusters: %w", err)
	}

	fallbacks := 0
	rows := make([]postgres.MapCluster, len(labels))
	for i, lbl := range labels {
		summary := sc.Clusters[i]
		if lbl.Fallback {
			fallbacks++
		}
		rows[i] = postgres.MapCluster{
			SessionID:      sc.SessionID,
			ClusterID:      lbl.ClusterID,
			Label:          lbl.Label,
			Keywords:       lbl.Keywords,
			Reasoning:      lbl.Reasoning,
			TweetCount:     int32(summary.Size),
			CentroidX:      summary.Centroid[0],
			CentroidY:      summary.Centroid[1],
			CentroidZ:      summary.Centroid[2],
			AvgSentiment:   avgSentiment(memberPosts[lbl.ClusterID]),
			CoherenceScore: lbl.Coherence,
		}
	}

	if err := s.store.InsertClustersBatch(ctx, rows); err != nil {
		return fmt.Errorf("persist clusters: %w", err)
	}

	s.logger.Info("clusters labeled",
		slog.String("session_id", sc.SessionID.String()),
		slog.Int("clusters", len(rows)),
		slog.Int("fallbacks", fallbacks))

	return commitPhase(ctx, s.store, postgres.UpdateSessionPhaseParams{
		ID:           sc.SessionID,
		Status:       postgres.StatusLabeling,
		Progress:     progressLabeled,
		PhaseMessage: "Finalizing opinion map",
	})
}

// representativeTexts orders member posts longest-first so the labeling
// prompt sees the most substantive content within its post budget.
func representativeTexts(members []postgres.Post) []string {
	texts := make([]string, len(members))
	for i, p := range members {
		texts[i] = p.Content
	}
	sort.SliceStable(texts, func(a, b int) bool {
		return len(texts[a]) > len(texts[b])
	})
	return texts
}

// avgSentiment averages the member posts' sentiment where present,
// clamped to [-1,1]. Zero (neutral) when no member carries a score.
func avgSentiment(members []postgres.Post) float64 {
	var sum float64
	var n int
	for _, p := range members {
		if p.Sentiment != nil {
			sum += *p.Sentiment
			n++
		}
	}
	if n == 0 {
		return 0
	}
	avg := sum / float64(n)
	if avg < -1 {
		return -1
	}
	if avg > 1 {
		return 1
	}
	return avg
}
