package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/echolens/opinionmap/internal/cluster"
	"github.com/echolens/opinionmap/internal/store/postgres"
)

// Stage represents a step in the opinion-map pipeline.
type Stage interface {
	Name() string
	Execute(ctx context.Context, sc *SessionContext) error
}

// Store is the persistence surface the pipeline needs. *store.Store
// satisfies it.
type Store interface {
	GetMapSession(ctx context.Context, id uuid.UUID) (postgres.MapSession, error)
	UpdateSessionPhase(ctx context.Context, arg postgres.UpdateSessionPhaseParams) (postgres.MapSession, error)
	CompleteMapSession(ctx context.Context, arg postgres.CompleteMapSessionParams) error
	FailMapSession(ctx context.Context, arg postgres.FailMapSessionParams) error

	SamplePosts(ctx context.Context, arg postgres.SamplePostsParams) ([]postgres.SampledPost, error)
	ListPostsByIDs(ctx context.Context, ids []uuid.UUID) ([]postgres.Post, error)
	UpsertPostEmbeddingsBatch(ctx context.Context, ids []uuid.UUID, vectors []pgvector.Vector, modelID string) (int64, error)

	InsertProjectionsBatch(ctx context.Context, items []postgres.MapProjection) error
	ListProjectionsBySession(ctx context.Context, sessionID uuid.UUID) ([]postgres.MapProjection, error)
	CountProjectionsBySession(ctx context.Context, sessionID uuid.UUID) (int64, error)
	InsertClustersBatch(ctx context.Context, items []postgres.MapCluster) error
	ListClustersBySession(ctx context.Context, sessionID uuid.UUID) ([]postgres.MapCluster, error)
}

// SessionContext carries state through the pipeline stages.
type SessionContext struct {
	SessionID uuid.UUID
	ZoneID    uuid.UUID
	Config    postgres.SessionConfig

	// Set by sample stage
	Sampled []postgres.SampledPost

	// Set by vectorize stage
	VectorizedPosts int

	// Set by reduce stage. Posts and Coords are index-aligned; Resumed
	// means persisted projections from an earlier delivery supersede
	// recomputation.
	Posts   []postgres.Post
	Coords  [][3]float64
	Resumed bool

	// Set by cluster stage
	Projections  []postgres.MapProjection
	Clusters     []cluster.Summary
	OutlierCount int
}

// Progress checkpoints committed as each phase finishes. Progress only
// ever moves forward through these values.
const (
	progressSampled    = 10
	progressVectorized = 30
	progressReduced    = 55
	progressClustered  = 75
	progressLabeled    = 95
)

// ErrSessionTerminal signals that the session was completed, failed, or
// cancelled out from under the pipeline; the remaining work is abandoned
// without treating it as an error.
var ErrSessionTerminal = errors.New("session reached a terminal state")

// commitPhase records a phase transition. The underlying UPDATE matches no
// row once a session is terminal, which surfaces here as ErrSessionTerminal.
func commitPhase(ctx context.Context, st Store, arg postgres.UpdateSessionPhaseParams) error {
	if _, err := st.UpdateSessionPhase(ctx, arg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionTerminal
		}
		return fmt.Errorf("commit phase %s: %w", arg.Status, err)
	}
	return nil
}
