package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/echolens/opinionmap/internal/cluster"
	"github.com/echolens/opinionmap/internal/store/postgres"
)

// ClusterStage groups the 3D projections into opinion clusters and
// persists one projection row per post. On a resumed session it rebuilds
// the cluster summaries from the persisted rows instead of re-clustering.
type ClusterStage struct {
	store          Store
	minClusterSize int
	logger         *slog.Logger
}

func NewClusterStage(store Store, minClusterSize int, logger *slog.Logger) *ClusterStage {
	return &ClusterStage{store: store, minClusterSize: minClusterSize, logger: logger}
}

func (s *ClusterStage) Name() string { return "cluster" }

func (s *ClusterStage) Execute(ctx context.Context, sc *SessionContext) error {
	if sc.Resumed {
		if err := s.reload(ctx, sc); err != nil {
			return err
		}
	} else {
		if err := s.clusterAndPersist(ctx, sc); err != nil {
			return err
		}
	}

	s.logger.Info("clusters detected",
		slog.String("session_id", sc.SessionID.String()),
		slog.Int("clusters", len(sc.Clusters)),
		slog.Int("outliers", sc.OutlierCount),
		slog.Bool("resumed", sc.Resumed))

	clusters := int32(len(sc.Clusters))
	outliers := int32(sc.OutlierCount)
	return commitPhase(ctx, s.store, postgres.UpdateSessionPhaseParams{
		ID:            sc.SessionID,
		Status:        postgres.StatusLabeling,
		Progress:      progressClustered,
		PhaseMessage:  fmt.Sprintf("Labeling %d clusters", clusters),
		TotalClusters: &clusters,
		OutlierCount:  &outliers,
	})
}

func (s *ClusterStage) clusterAndPersist(ctx context.Context, sc *SessionContext) error {
	points := make([]cluster.Point, len(sc.Coords))
	for i, c := range sc.Coords {
		points[i] = cluster.Point(c)
	}

	res := cluster.Run(points, cluster.Options{MinClusterSize: s.minClusterSize})

	projections := make([]postgres.MapProjection, len(sc.Posts))
	for i, p := range sc.Posts {
		proj := postgres.MapProjection{
			SessionID: sc.SessionID,
			PostID:    p.ID,
			X:         sc.Coords[i][0],
			Y:         sc.Coords[i][1],
			Z:         sc.Coords[i][2],
			ClusterID: int32(res.Assignments[i]),
			IsOutlier: res.Assignments[i] == cluster.Outlier,
		}
		if !proj.IsOutlier {
			conf := res.Confidence[i]
			proj.ClusterConfidence = &conf
		}
		projections[i] = proj
	}

	if err := s.store.InsertProjectionsBatch(ctx, projections); err != nil {
		return fmt.Errorf("persist projections: %w", err)
	}

	sc.Projections = projections
	sc.Clusters = res.Clusters
	sc.OutlierCount = res.OutlierCount
	return nil
}

// reload rebuilds the clustering state of an interrupted session from its
// persisted projection rows, including the full post rows the labeling
// stage needs.
func (s *ClusterStage) reload(ctx context.Context, sc *SessionContext) error {
	projections, err := s.store.ListProjectionsBySession(ctx, sc.SessionID)
	if err != nil {
		return fmt.Errorf("list projections: %w", err)
	}
	if len(projections) == 0 {
		return fmt.Errorf("resume requested but no projections persisted")
	}

	type agg struct {
		sum  cluster.Point
		size int
	}
	groups := make(map[int32]*agg)
	outliers := 0
	for _, p := range projections {
		if p.IsOutlier {
			outliers++
			continue
		}
		g, ok := groups[p.ClusterID]
		if !ok {
			g = &agg{}
			groups[p.ClusterID] = g
		}
		g.sum[0] += p.X
		g.sum[1] += p.Y
		g.sum[2] += p.Z
		g.size++
	}

	ids := make([]int32, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	clusters := make([]cluster.Summary, 0, len(ids))
	for _, id := range ids {
		g := groups[id]
		n := float64(g.size)
		clusters = append(clusters, cluster.Summary{
			ID:       int(id),
			Centroid: cluster.Point{g.sum[0] / n, g.sum[1] / n, g.sum[2] / n},
			Size:     g.size,
		})
	}

	posts, err := s.loadProjectedPosts(ctx, projections)
	if err != nil {
		return err
	}

	sc.Projections = projections
	sc.Clusters = clusters
	sc.OutlierCount = outliers
	sc.Posts = posts
	return nil
}

func (s *ClusterStage) loadProjectedPosts(ctx context.Context, projections []postgres.MapProjection) ([]postgres.Post, error) {
	ids := make([]uuid.UUID, len(projections))
	for i, p := range projections {
		ids[i] = p.PostID
	}

	var posts []postgres.Post
	for start := 0; start < len(ids); start += idListLimit {
		chunk := ids[start:min(start+idListLimit, len(ids))]
		batch, err := s.store.ListPostsByIDs(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("list projected posts: %w", err)
		}
		posts = append(posts, batch...)
	}
	return posts, nil
}
