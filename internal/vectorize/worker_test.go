package vectorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/echolens/opinionmap/internal/pipeline"
	"github.com/echolens/opinionmap/internal/store/postgres"
)

type fakePostStore struct {
	mu     sync.Mutex
	posts  map[uuid.UUID]postgres.Post
	writes int
}

func (f *fakePostStore) ListPostsByIDs(_ context.Context, ids []uuid.UUID) ([]postgres.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []postgres.Post
	for _, id := range ids {
		if p, ok := f.posts[id]; ok {
			items = append(items, p)
		}
	}
	return items, nil
}

func (f *fakePostStore) UpsertPostEmbeddingsBatch(_ context.Context, ids []uuid.UUID, vectors []pgvector.Vector, modelID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var written int64
	for i, id := range ids {
		p, ok := f.posts[id]
		if !ok || p.Embedding != nil {
			continue
		}
		v := vectors[i]
		p.Embedding = &v
		p.EmbeddingModel = &modelID
		f.posts[id] = p
		written++
		f.writes++
	}
	return written, nil
}

// flakyEmbedder fails every batch whose first text matches failOn.
type flakyEmbedder struct {
	calls  int
	failOn string
}

func (e *flakyEmbedder) EmbedBatch(_ context.Context, texts []string, _ string) ([][]float32, error) {
	e.calls++
	if e.failOn != "" && len(texts) > 0 && texts[0] == e.failOn {
		return nil, errors.New("provider rejected batch")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (e *flakyEmbedder) ModelID() string { return "fake-embed-v1" }

func newStore(n int, embedded bool) (*fakePostStore, []uuid.UUID) {
	fs := &fakePostStore{posts: make(map[uuid.UUID]postgres.Post)}
	ids := make([]uuid.UUID, n)
	for i := range ids {
		id := uuid.New()
		p := postgres.Post{ID: id, Content: fmt.Sprintf("post number %d", i)}
		if embedded {
			v := pgvector.NewVector([]float32{0, 1, 0})
			p.Embedding = &v
		}
		fs.posts[id] = p
		ids[i] = id
	}
	return fs, ids
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestHandleEmbedsColdPosts(t *testing.T) {
	fs, ids := newStore(10, false)
	embedder := &flakyEmbedder{}
	w := NewWorker(embedder, fs, Options{BatchSize: 4}, testLogger())

	err := w.Handle(context.Background(), pipeline.VectorizeMessage{ZoneID: uuid.New(), PostIDs: ids})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if fs.writes != 10 {
		t.Errorf("writes = %d, want 10", fs.writes)
	}
	for id, p := range fs.posts {
		if p.Embedding == nil {
			t.Errorf("post %s left unembedded", id)
		}
	}
}

func TestHandleIdempotentOnWarmCache(t *testing.T) {
	fs, ids := newStore(10, true)
	embedder := &flakyEmbedder{}
	w := NewWorker(embedder, fs, Options{BatchSize: 4}, testLogger())

	err := w.Handle(context.Background(), pipeline.VectorizeMessage{ZoneID: uuid.New(), PostIDs: ids})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if embedder.calls != 0 {
		t.Errorf("embedder called %d times for a fully warm batch", embedder.calls)
	}
	if fs.writes != 0 {
		t.Errorf("warm redelivery wrote %d rows", fs.writes)
	}
}

func TestHandleContinuesPastFailedBatch(t *testing.T) {
	fs, ids := newStore(8, false)
	// The first sub-batch leads with post 0's text; make it fail.
	embedder := &flakyEmbedder{failOn: fs.posts[ids[0]].Content}
	w := NewWorker(embedder, fs, Options{BatchSize: 4}, testLogger())

	err := w.Handle(context.Background(), pipeline.VectorizeMessage{ZoneID: uuid.New(), PostIDs: ids})
	if err != nil {
		t.Fatalf("Handle() should tolerate a failed sub-batch, got %v", err)
	}
	if embedder.calls != 2 {
		t.Errorf("embedder calls = %d, want 2 batches of 4", embedder.calls)
	}
	if fs.writes != 4 {
		t.Errorf("writes = %d, want the surviving batch of 4", fs.writes)
	}
}

func TestHandleNilEmbedderAcks(t *testing.T) {
	fs, ids := newStore(3, false)
	w := NewWorker(nil, fs, Options{}, testLogger())

	if err := w.Handle(context.Background(), pipeline.VectorizeMessage{ZoneID: uuid.New(), PostIDs: ids}); err != nil {
		t.Fatalf("Handle() with no provider should ACK, got %v", err)
	}
	if fs.writes != 0 {
		t.Errorf("unexpected writes: %d", fs.writes)
	}
}

func TestHandleEmptyBatch(t *testing.T) {
	w := NewWorker(&flakyEmbedder{}, &fakePostStore{posts: map[uuid.UUID]postgres.Post{}}, Options{}, testLogger())
	if err := w.Handle(context.Background(), pipeline.VectorizeMessage{ZoneID: uuid.New()}); err != nil {
		t.Fatalf("Handle() on empty batch: %v", err)
	}
}
