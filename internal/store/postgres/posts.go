package postgres

// posts.go covers the collected-posts table. Ingestion owns most columns;
// this subsystem owns only the embedding cache fields (embedding,
// embedding_model, embedded_at).

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
)

// Post is the DB model for the posts table, embedding cache included.
type Post struct {
	ID             uuid.UUID        `json:"id"`
	ZoneID         uuid.UUID        `json:"zone_id"`
	AuthorHandle   string           `json:"author_handle"`
	Content        string           `json:"content"`
	Hashtags       []string         `json:"hashtags"`
	Sentiment      *float64         `json:"sentiment"`
	PostedAt       time.Time        `json:"posted_at"`
	Embedding      *pgvector.Vector `json:"-"`
	EmbeddingModel *string          `json:"embedding_model"`
	EmbeddedAt     *time.Time       `json:"embedded_at"`
}

const postColumns = `id, zone_id, author_handle, content, hashtags, sentiment,
	        posted_at, embedding, embedding_model, embedded_at`

func scanPost(row pgx.Row) (Post, error) {
	var p Post
	err := row.Scan(
		&p.ID, &p.ZoneID, &p.AuthorHandle, &p.Content, &p.Hashtags,
		&p.Sentiment, &p.PostedAt, &p.Embedding, &p.EmbeddingModel, &p.EmbeddedAt,
	)
	return p, err
}

// SampledPost is the lightweight projection returned by sampling: just the
// post id and whether the embedding cache already covers it.
type SampledPost struct {
	ID       uuid.UUID
	Embedded bool
}

type SamplePostsParams struct {
	ZoneID uuid.UUID
	From   time.Time
	To     time.Time
	Limit  int32
	Policy string // "recent" or "uniform"
	Seed   string // non-empty makes uniform sampling deterministic
}

// SamplePosts selects the session sample for a zone and date range.
// Policy "recent" orders most-recent-first; "uniform" orders by a hash of
// (id, seed), which draws uniformly and is reproducible for a fixed seed.
func (q *Queries) SamplePosts(ctx context.Context, arg SamplePostsParams) ([]SampledPost, error) {
	query := `SELECT id, embedding IS NOT NULL
		 FROM posts
		 WHERE zone_id = $1 AND posted_at >= $2 AND posted_at < $3
		 ORDER BY posted_at DESC
		 LIMIT $4`
	args := []any{arg.ZoneID, arg.From, arg.To, arg.Limit}

	if arg.Policy == "uniform" {
		query = `SELECT id, embedding IS NOT NULL
		 FROM posts
		 WHERE zone_id = $1 AND posted_at >= $2 AND posted_at < $3
		 ORDER BY md5(id::text || $4)
		 LIMIT $5`
		args = []any{arg.ZoneID, arg.From, arg.To, arg.Seed, arg.Limit}
	}

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []SampledPost
	for rows.Next() {
		var i SampledPost
		if err := rows.Scan(&i.ID, &i.Embedded); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

// ListPostsByIDs returns full post rows for a batch of ids. Callers keep
// batch sizes within the store's bounded id-list fetch limit (≤ 1 000).
func (q *Queries) ListPostsByIDs(ctx context.Context, ids []uuid.UUID) ([]Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := q.db.Query(ctx,
		`SELECT `+postColumns+`
		 FROM posts
		 WHERE id = ANY($1::uuid[])`,
		ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// UnembeddedPost identifies a post still missing from the embedding cache.
type UnembeddedPost struct {
	ID     uuid.UUID
	ZoneID uuid.UUID
}

// ListUnembeddedPosts returns up to limit posts with no cached embedding,
// oldest first so the backlog drains in ingestion order.
func (q *Queries) ListUnembeddedPosts(ctx context.Context, limit int32) ([]UnembeddedPost, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, zone_id
		 FROM posts
		 WHERE embedding IS NULL
		 ORDER BY posted_at
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []UnembeddedPost
	for rows.Next() {
		var i UnembeddedPost
		if err := rows.Scan(&i.ID, &i.ZoneID); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

// UpsertPostEmbeddingsBatch writes cached embeddings for a batch of posts in
// one pipelined pgx batch. The WHERE guard makes concurrent writers
// idempotent: a vector is only written when the cache slot is empty or was
// produced by a different model, so a non-null vector is never overwritten
// with one from the same model and never reset to null.
func (q *Queries) UpsertPostEmbeddingsBatch(ctx context.Context, ids []uuid.UUID, vectors []pgvector.Vector, modelID string) (int64, error) {
	batch := &pgx.Batch{}
	for i, id := range ids {
		batch.Queue(
			`UPDATE posts
			 SET embedding = $2, embedding_model = $3, embedded_at = now()
			 WHERE id = $1 AND (embedding IS NULL OR embedding_model <> $3)`,
			id, vectors[i], modelID)
	}

	results := q.db.SendBatch(ctx, batch)
	defer results.Close()

	var updated int64
	for range ids {
		tag, err := results.Exec()
		if err != nil {
			return updated, err
		}
		updated += tag.RowsAffected()
	}
	return updated, nil
}
