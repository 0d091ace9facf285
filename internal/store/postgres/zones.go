package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Zone is a monitoring zone: the scope a rule collects posts into. The rule
// CRUD surface lives in the dashboard service; this subsystem only reads.
type Zone struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (q *Queries) GetZone(ctx context.Context, id uuid.UUID) (Zone, error) {
	var z Zone
	err := q.db.QueryRow(ctx,
		`SELECT id, name, created_at FROM zones WHERE id = $1`,
		id).Scan(&z.ID, &z.Name, &z.CreatedAt)
	return z, err
}
