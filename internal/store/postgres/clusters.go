package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MapCluster is one opinion group within a session, write-once at the end
// of the labeling stage.
type MapCluster struct {
	ID             uuid.UUID `json:"id"`
	SessionID      uuid.UUID `json:"session_id"`
	ClusterID      int32     `json:"cluster_id"`
	Label          string    `json:"label"`
	Keywords       []string  `json:"keywords"`
	Reasoning      string    `json:"reasoning"`
	TweetCount     int32     `json:"tweet_count"`
	CentroidX      float64   `json:"centroid_x"`
	CentroidY      float64   `json:"centroid_y"`
	CentroidZ      float64   `json:"centroid_z"`
	AvgSentiment   float64   `json:"avg_sentiment"`
	CoherenceScore float64   `json:"coherence_score"`
}

// Validate rejects rows that would violate the cluster invariants before
// they reach the database.
func (c MapCluster) Validate() error {
	if c.Label == "" {
		return fmt.Errorf("cluster %d: empty label", c.ClusterID)
	}
	if c.TweetCount <= 0 {
		return fmt.Errorf("cluster %d: tweet_count %d must be positive", c.ClusterID, c.TweetCount)
	}
	if c.AvgSentiment < -1 || c.AvgSentiment > 1 {
		return fmt.Errorf("cluster %d: avg_sentiment %.3f outside [-1,1]", c.ClusterID, c.AvgSentiment)
	}
	if c.CoherenceScore < 0 || c.CoherenceScore > 1 {
		return fmt.Errorf("cluster %d: coherence_score %.3f outside [0,1]", c.ClusterID, c.CoherenceScore)
	}
	return nil
}

// InsertClustersBatch validates and inserts all cluster rows for a session
// in one pipelined pgx batch. ON CONFLICT DO NOTHING makes a redelivered
// labeling phase idempotent.
func (q *Queries) InsertClustersBatch(ctx context.Context, items []MapCluster) error {
	if len(items) == 0 {
		return nil
	}

	for _, c := range items {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	batch := &pgx.Batch{}
	for _, c := range items {
		batch.Queue(
			`INSERT INTO map_clusters
			   (session_id, cluster_id, label, keywords, reasoning, tweet_count,
			    centroid_x, centroid_y, centroid_z, avg_sentiment, coherence_score)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (session_id, cluster_id) DO NOTHING`,
			c.SessionID, c.ClusterID, c.Label, c.Keywords, c.Reasoning, c.TweetCount,
			c.CentroidX, c.CentroidY, c.CentroidZ, c.AvgSentiment, c.CoherenceScore)
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

func (q *Queries) ListClustersBySession(ctx context.Context, sessionID uuid.UUID) ([]MapCluster, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, session_id, cluster_id, label, keywords, reasoning, tweet_count,
		        centroid_x, centroid_y, centroid_z, avg_sentiment, coherence_score
		 FROM map_clusters
		 WHERE session_id = $1
		 ORDER BY cluster_id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []MapCluster
	for rows.Next() {
		var i MapCluster
		if err := rows.Scan(
			&i.ID, &i.SessionID, &i.ClusterID, &i.Label, &i.Keywords, &i.Reasoning,
			&i.TweetCount, &i.CentroidX, &i.CentroidY, &i.CentroidZ,
			&i.AvgSentiment, &i.CoherenceScore,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
