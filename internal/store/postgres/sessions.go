package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session statuses. pending → vectorizing → reducing → clustering →
// labeling → completed; any non-terminal state may move to failed, and
// pending/vectorizing may move to cancelled.
const (
	StatusPending     = "pending"
	StatusVectorizing = "vectorizing"
	StatusReducing    = "reducing"
	StatusClustering  = "clustering"
	StatusLabeling    = "labeling"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// IsTerminal reports whether a session status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// statusOrder ranks the in-flight statuses. Phase commits only ever move a
// session rightward through this order, so a redelivered job re-running
// earlier stages cannot rewind the visible state.
var statusOrder = []string{StatusPending, StatusVectorizing, StatusReducing, StatusClustering, StatusLabeling}

// StatusRank returns the position of status in the pipeline's forward
// order. Terminal and unknown statuses rank past every phase.
func StatusRank(status string) int {
	for i, s := range statusOrder {
		if s == status {
			return i
		}
	}
	return len(statusOrder)
}

func statusRankSQL(expr string) string {
	return fmt.Sprintf("array_position(ARRAY['%s']::text[], %s)", strings.Join(statusOrder, "','"), expr)
}

// MapSession is the DB model for one opinion-map pipeline run.
type MapSession struct {
	ID              uuid.UUID       `json:"id"`
	ZoneID          uuid.UUID       `json:"zone_id"`
	Status          string          `json:"status"`
	Progress        int32           `json:"progress"`
	CurrentPhase    string          `json:"current_phase"`
	PhaseMessage    string          `json:"phase_message"`
	Config          json.RawMessage `json:"config"`
	TotalPosts      int32           `json:"total_posts"`
	VectorizedPosts int32           `json:"vectorized_posts"`
	TotalClusters   int32           `json:"total_clusters"`
	OutlierCount    int32           `json:"outlier_count"`
	ExecutionTimeMs *int64          `json:"execution_time_ms"`
	ErrorMessage    *string         `json:"error_message"`
	ErrorStack      *string         `json:"error_stack"`
	StartedAt       *time.Time      `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
	CreatedAt       time.Time       `json:"created_at"`
	CreatedBy       string          `json:"created_by"`
}

// SessionConfig is the decoded shape of MapSession.Config.
type SessionConfig struct {
	DateFrom     time.Time `json:"date_from"`
	DateTo       time.Time `json:"date_to"`
	SampleSize   int       `json:"sample_size"`
	SamplePolicy string    `json:"sample_policy"`
	Seed         string    `json:"seed,omitempty"`
}

const sessionColumns = `id, zone_id, status, progress, current_phase, phase_message,
	        config, total_posts, vectorized_posts, total_clusters, outlier_count,
	        execution_time_ms, error_message, error_stack,
	        started_at, completed_at, created_at, created_by`

func scanSession(row interface{ Scan(...any) error }) (MapSession, error) {
	var s MapSession
	err := row.Scan(
		&s.ID, &s.ZoneID, &s.Status, &s.Progress, &s.CurrentPhase, &s.PhaseMessage,
		&s.Config, &s.TotalPosts, &s.VectorizedPosts, &s.TotalClusters, &s.OutlierCount,
		&s.ExecutionTimeMs, &s.ErrorMessage, &s.ErrorStack,
		&s.StartedAt, &s.CompletedAt, &s.CreatedAt, &s.CreatedBy,
	)
	return s, err
}

type CreateMapSessionParams struct {
	ZoneID    uuid.UUID
	Config    SessionConfig
	CreatedBy string
}

func (q *Queries) CreateMapSession(ctx context.Context, arg CreateMapSessionParams) (MapSession, error) {
	cfg, err := json.Marshal(arg.Config)
	if err != nil {
		return MapSession{}, err
	}

	row := q.db.QueryRow(ctx,
		`INSERT INTO map_sessions (zone_id, status, progress, current_phase, phase_message, config, created_by)
		 VALUES ($1, 'pending', 0, 'pending', 'Queued', $2, $3)
		 RETURNING `+sessionColumns,
		arg.ZoneID, cfg, arg.CreatedBy)
	return scanSession(row)
}

func (q *Queries) GetMapSession(ctx context.Context, id uuid.UUID) (MapSession, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM map_sessions WHERE id = $1`, id)
	return scanSession(row)
}

type ListMapSessionsByZoneParams struct {
	ZoneID uuid.UUID
	Limit  int32
	Offset int32
}

func (q *Queries) ListMapSessionsByZone(ctx context.Context, arg ListMapSessionsByZoneParams) ([]MapSession, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM map_sessions
		 WHERE zone_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		arg.ZoneID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []MapSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// UpdateSessionPhaseParams is one atomic phase commit: status, progress,
// message, and whichever counters the finishing phase produced.
type UpdateSessionPhaseParams struct {
	ID              uuid.UUID
	Status          string
	Progress        int32
	PhaseMessage    string
	TotalPosts      *int32
	VectorizedPosts *int32
	TotalClusters   *int32
	OutlierCount    *int32
}

// UpdateSessionPhase advances a session in a single UPDATE. Terminal rows
// are left untouched, progress can only grow, and status/phase/message only
// move forward through statusOrder, so redelivered jobs re-running earlier
// stages and late writers cannot move a session backwards.
func (q *Queries) UpdateSessionPhase(ctx context.Context, arg UpdateSessionPhaseParams) (MapSession, error) {
	// Every SET expression sees the pre-update row, so the comparison is
	// consistent across the three guarded columns.
	ahead := statusRankSQL("status") + " >= " + statusRankSQL("$2::text")

	row := q.db.QueryRow(ctx,
		`UPDATE map_sessions
		 SET status = CASE WHEN `+ahead+` THEN status ELSE $2 END,
		     progress = GREATEST(progress, $3),
		     current_phase = CASE WHEN `+ahead+` THEN current_phase ELSE $2 END,
		     phase_message = CASE WHEN `+ahead+` THEN phase_message ELSE $4 END,
		     total_posts = COALESCE($5, total_posts),
		     vectorized_posts = COALESCE($6, vectorized_posts),
		     total_clusters = COALESCE($7, total_clusters),
		     outlier_count = COALESCE($8, outlier_count),
		     started_at = COALESCE(started_at, now())
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
		 RETURNING `+sessionColumns,
		arg.ID, arg.Status, arg.Progress, arg.PhaseMessage,
		arg.TotalPosts, arg.VectorizedPosts, arg.TotalClusters, arg.OutlierCount)
	return scanSession(row)
}

type CompleteMapSessionParams struct {
	ID              uuid.UUID
	ExecutionTimeMs int64
}

func (q *Queries) CompleteMapSession(ctx context.Context, arg CompleteMapSessionParams) error {
	_, err := q.db.Exec(ctx,
		`UPDATE map_sessions
		 SET status = 'completed', progress = 100, current_phase = 'completed',
		     phase_message = 'Opinion map ready', execution_time_ms = $2, completed_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		arg.ID, arg.ExecutionTimeMs)
	return err
}

type FailMapSessionParams struct {
	ID           uuid.UUID
	PhaseMessage string
	ErrorMessage string
	ErrorStack   *string
}

func (q *Queries) FailMapSession(ctx context.Context, arg FailMapSessionParams) error {
	_, err := q.db.Exec(ctx,
		`UPDATE map_sessions
		 SET status = 'failed', phase_message = $2, error_message = $3, error_stack = $4
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		arg.ID, arg.PhaseMessage, arg.ErrorMessage, arg.ErrorStack)
	return err
}

// CancelMapSession marks a session cancelled. Only sessions that have not
// yet produced results (pending or vectorizing) are eligible; it returns
// the number of rows changed so callers can distinguish a no-op.
func (q *Queries) CancelMapSession(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE map_sessions
		 SET status = 'cancelled', phase_message = 'Cancelled by user', completed_at = now()
		 WHERE id = $1 AND status IN ('pending', 'vectorizing')`,
		id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
