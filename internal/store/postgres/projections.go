package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MapProjection is one sampled post's 3D coordinate and cluster assignment
// within a session. Rows are write-once: inserted at the end of the
// clustering stage and never updated.
type MapProjection struct {
	ID                uuid.UUID `json:"id"`
	SessionID         uuid.UUID `json:"session_id"`
	PostID            uuid.UUID `json:"post_id"`
	X                 float64   `json:"x"`
	Y                 float64   `json:"y"`
	Z                 float64   `json:"z"`
	ClusterID         int32     `json:"cluster_id"`
	ClusterConfidence *float64  `json:"cluster_confidence"`
	IsOutlier         bool      `json:"is_outlier"`
}

// InsertProjectionsBatch inserts all projection rows for a session in one
// pipelined pgx batch. (post_id, session_id) is unique; ON CONFLICT DO
// NOTHING makes a redelivered clustering phase idempotent.
func (q *Queries) InsertProjectionsBatch(ctx context.Context, items []MapProjection) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range items {
		batch.Queue(
			`INSERT INTO map_projections
			   (session_id, post_id, x, y, z, cluster_id, cluster_confidence, is_outlier)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (session_id, post_id) DO NOTHING`,
			p.SessionID, p.PostID, p.X, p.Y, p.Z, p.ClusterID, p.ClusterConfidence, p.IsOutlier)
	}

	results := q.db.SendBatch(ctx, batch)
	defer results.Close()

	for range items {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queries) ListProjectionsBySession(ctx context.Context, sessionID uuid.UUID) ([]MapProjection, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, session_id, post_id, x, y, z, cluster_id, cluster_confidence, is_outlier
		 FROM map_projections
		 WHERE session_id = $1`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []MapProjection
	for rows.Next() {
		var i MapProjection
		if err := rows.Scan(
			&i.ID, &i.SessionID, &i.PostID, &i.X, &i.Y, &i.Z,
			&i.ClusterID, &i.ClusterConfidence, &i.IsOutlier,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func (q *Queries) CountProjectionsBySession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM map_projections WHERE session_id = $1`,
		sessionID).Scan(&count)
	return count, err
}
