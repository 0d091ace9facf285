package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/echolens/opinionmap/internal/label"
	"github.com/echolens/opinionmap/internal/llm"
	"github.com/echolens/opinionmap/internal/store/postgres"
)

// fakeStore implements Store in memory with the same guard semantics as
// the SQL layer: terminal sessions reject phase updates, progress only
// grows, status only moves forward, and projection/cluster inserts ignore
// conflicts.
type fakeStore struct {
	mu          sync.Mutex
	session     postgres.MapSession
	posts       map[uuid.UUID]postgres.Post
	sampleOrder []uuid.UUID
	projections []postgres.MapProjection
	clusters    []postgres.MapCluster
	progressLog []int32
	statusLog   []string

	// onSample runs inside SamplePosts, letting tests mutate state
	// mid-pipeline (e.g. cancel the session).
	onSample func(*fakeStore)
}

func newFakeStore(posts []postgres.Post, cfg postgres.SessionConfig) *fakeStore {
	raw, _ := json.Marshal(cfg)
	fs := &fakeStore{
		session: postgres.MapSession{
			ID:           uuid.New(),
			ZoneID:       uuid.New(),
			Status:       postgres.StatusPending,
			CurrentPhase: postgres.StatusPending,
			Config:       raw,
		},
		posts: make(map[uuid.UUID]postgres.Post),
	}
	for _, p := range posts {
		p.ZoneID = fs.session.ZoneID
		fs.posts[p.ID] = p
		fs.sampleOrder = append(fs.sampleOrder, p.ID)
	}
	return fs
}

func (f *fakeStore) GetMapSession(_ context.Context, id uuid.UUID) (postgres.MapSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.session.ID {
		return postgres.MapSession{}, pgx.ErrNoRows
	}
	return f.session, nil
}

func (f *fakeStore) UpdateSessionPhase(_ context.Context, arg postgres.UpdateSessionPhaseParams) (postgres.MapSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if arg.ID != f.session.ID || postgres.IsTerminal(f.session.Status) {
		return postgres.MapSession{}, pgx.ErrNoRows
	}
	if postgres.StatusRank(arg.Status) > postgres.StatusRank(f.session.Status) {
		f.session.Status = arg.Status
		f.session.CurrentPhase = arg.Status
		f.session.PhaseMessage = arg.PhaseMessage
	}
	if arg.Progress > f.session.Progress {
		f.session.Progress = arg.Progress
	}
	if arg.TotalPosts != nil {
		f.session.TotalPosts = *arg.TotalPosts
	}
	if arg.VectorizedPosts != nil {
		f.session.VectorizedPosts = *arg.VectorizedPosts
	}
	if arg.TotalClusters != nil {
		f.session.TotalClusters = *arg.TotalClusters
	}
	if arg.OutlierCount != nil {
		f.session.OutlierCount = *arg.OutlierCount
	}
	f.progressLog = append(f.progressLog, f.session.Progress)
	f.statusLog = append(f.statusLog, f.session.Status)
	return f.session, nil
}

func (f *fakeStore) CompleteMapSession(_ context.Context, arg postgres.CompleteMapSessionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if arg.ID != f.session.ID || postgres.IsTerminal(f.session.Status) {
		return nil
	}
	f.session.Status = postgres.StatusCompleted
	f.session.Progress = 100
	f.session.ExecutionTimeMs = &arg.ExecutionTimeMs
	return nil
}

func (f *fakeStore) FailMapSession(_ context.Context, arg postgres.FailMapSessionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if arg.ID != f.session.ID || postgres.IsTerminal(f.session.Status) {
		return nil
	}
	f.session.Status = postgres.StatusFailed
	f.session.PhaseMessage = arg.PhaseMessage
	f.session.ErrorMessage = &arg.ErrorMessage
	return nil
}

func (f *fakeStore) SamplePosts(_ context.Context, arg postgres.SamplePostsParams) ([]postgres.SampledPost, error) {
	f.mu.Lock()
	if f.onSample != nil {
		f.onSample(f)
	}
	defer f.mu.Unlock()

	var items []postgres.SampledPost
	for _, id := range f.sampleOrder {
		if int32(len(items)) >= arg.Limit {
			break
		}
		p := f.posts[id]
		items = append(items, postgres.SampledPost{ID: id, Embedded: p.Embedding != nil})
	}
	return items, nil
}

func (f *fakeStore) ListPostsByIDs(_ context.Context, ids []uuid.UUID) ([]postgres.Post, error) {
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

func (f *fakeStore) UpsertPostEmbeddingsBatch(_ context.Context, ids []uuid.UUID, vectors []pgvector.Vector, modelID string) (int64, error) {
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
	}
	return written, nil
}

func (f *fakeStore) InsertProjectionsBatch(_ context.Context, items []postgres.MapProjection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		exists := false
		for _, have := range f.projections {
			if have.SessionID == item.SessionID && have.PostID == item.PostID {
				exists = true
				break
			}
		}
		if !exists {
			f.projections = append(f.projections, item)
		}
	}
	return nil
}

func (f *fakeStore) ListProjectionsBySession(_ context.Context, sessionID uuid.UUID) ([]postgres.MapProjection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []postgres.MapProjection
	for _, p := range f.projections {
		if p.SessionID == sessionID {
			items = append(items, p)
		}
	}
	return items, nil
}

func (f *fakeStore) CountProjectionsBySession(_ context.Context, sessionID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, p := range f.projections {
		if p.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) InsertClustersBatch(_ context.Context, items []postgres.MapCluster) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return err
		}
		exists := false
		for _, have := range f.clusters {
			if have.SessionID == item.SessionID && have.ClusterID == item.ClusterID {
				exists = true
				break
			}
		}
		if !exists {
			f.clusters = append(f.clusters, item)
		}
	}
	return nil
}

func (f *fakeStore) ListClustersBySession(_ context.Context, sessionID uuid.UUID) ([]postgres.MapCluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []postgres.MapCluster
	for _, c := range f.clusters {
		if c.SessionID == sessionID {
			items = append(items, c)
		}
	}
	return items, nil
}

// fakeEmbedder produces separable 8-dim vectors: posts mentioning transit
// land near one axis, everything else near another, with a small
// text-derived jitter.
type fakeEmbedder struct {
	calls int
	err   error
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string, _ string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 8)
		if strings.Contains(text, "transit") {
			v[0] = 1
		} else {
			v[1] = 1
		}
		h := fnv.New32a()
		h.Write([]byte(text))
		v[2] = float32(h.Sum32()%97) * 1e-3
		out[i] = v
	}
	return out, nil
}

func (e *fakeEmbedder) ModelID() string { return "fake-embed-v1" }

func testPosts(n int) []postgres.Post {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	posts := make([]postgres.Post, n)
	for i := range posts {
		content := fmt.Sprintf("housing rents climbing downtown again, thread %d", i)
		sentiment := -0.4
		if i%2 == 0 {
			content = fmt.Sprintf("transit fares going up once more, commute %d", i)
			sentiment = -0.2
		}
		posts[i] = postgres.Post{
			ID:        uuid.New(),
			Content:   content,
			Sentiment: &sentiment,
			PostedAt:  now.Add(-time.Duration(i) * time.Hour),
		}
	}
	return posts
}

func testConfig() postgres.SessionConfig {
	return postgres.SessionConfig{
		DateFrom:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		DateTo:       time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
		SampleSize:   100,
		SamplePolicy: "recent",
		Seed:         "test-seed",
	}
}

func newTestPipeline(fs *fakeStore, embedder *fakeEmbedder) *Pipeline {
	logger := slog.New(slog.DiscardHandler)
	stages := []Stage{
		NewSampleStage(fs, 10, 3000, logger),
		NewVectorizeStage(fs, embedder, 50, 0, 0.5, logger),
		NewReduceStage(fs, 8, logger),
		NewClusterStage(fs, 3, logger),
		NewLabelStage(fs, label.NewLabeler(nil, 1, logger), logger),
	}
	return NewPipeline(fs, stages, time.Minute, logger)
}

func (f *fakeStore) message() SessionMessage {
	return SessionMessage{SessionID: f.session.ID, ZoneID: f.session.ZoneID, Trigger: "manual"}
}

func TestPipelineFullRun(t *testing.T) {
	fs := newFakeStore(testPosts(60), testConfig())
	embedder := &fakeEmbedder{}
	p := newTestPipeline(fs, embedder)

	if err := p.Run(context.Background(), fs.message()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if fs.session.Status != postgres.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", fs.session.Status, fs.session.PhaseMessage)
	}
	if fs.session.Progress != 100 {
		t.Errorf("progress = %d, want 100", fs.session.Progress)
	}
	if fs.session.ExecutionTimeMs == nil {
		t.Error("execution_time_ms not recorded")
	}
	if fs.session.TotalPosts != 60 {
		t.Errorf("total_posts = %d, want 60", fs.session.TotalPosts)
	}
	if fs.session.VectorizedPosts != 60 {
		t.Errorf("vectorized_posts = %d, want 60", fs.session.VectorizedPosts)
	}
	if embedder.calls == 0 {
		t.Error("embedder never called on a cold cache")
	}

	if len(fs.projections) != 60 {
		t.Fatalf("projections = %d, want 60", len(fs.projections))
	}
	if len(fs.clusters) == 0 {
		t.Fatal("no cluster rows persisted")
	}

	// Cluster sizes plus outliers account for every projection.
	total := int(fs.session.OutlierCount)
	for _, c := range fs.clusters {
		total += int(c.TweetCount)
		if c.Label == "" {
			t.Errorf("cluster %d has empty label", c.ClusterID)
		}
	}
	if total != len(fs.projections) {
		t.Errorf("cluster sizes + outliers = %d, want %d", total, len(fs.projections))
	}

	// Progress never moves backwards.
	for i := 1; i < len(fs.progressLog); i++ {
		if fs.progressLog[i] < fs.progressLog[i-1] {
			t.Fatalf("progress regressed: %v", fs.progressLog)
		}
	}
}

func TestPipelineWarmCacheSkipsEmbedding(t *testing.T) {
	posts := testPosts(40)
	// Pre-populate the cache for every post.
	model := "fake-embed-v1"
	for i := range posts {
		v := pgvector.NewVector([]float32{float32(i%2) + 1, float32(i) * 0.001, 0, 0, 0, 0, 0, 0})
		posts[i].Embedding = &v
		posts[i].EmbeddingModel = &model
	}

	fs := newFakeStore(posts, testConfig())
	embedder := &fakeEmbedder{err: errors.New("provider should not be called")}
	p := newTestPipeline(fs, embedder)

	if err := p.Run(context.Background(), fs.message()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if fs.session.Status != postgres.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", fs.session.Status, fs.session.PhaseMessage)
	}
	if embedder.calls != 0 {
		t.Errorf("embedder called %d times on a fully warm cache", embedder.calls)
	}
	if fs.session.VectorizedPosts != 40 {
		t.Errorf("vectorized_posts = %d, want 40", fs.session.VectorizedPosts)
	}
}

func TestPipelineFailsOnLowCoverage(t *testing.T) {
	fs := newFakeStore(testPosts(30), testConfig())
	embedder := &fakeEmbedder{err: errors.New("provider down")}
	p := newTestPipeline(fs, embedder)

	err := p.Run(context.Background(), fs.message())
	if err == nil {
		t.Fatal("Run() succeeded despite zero embedding coverage")
	}

	if fs.session.Status != postgres.StatusFailed {
		t.Fatalf("status = %q, want failed", fs.session.Status)
	}
	if fs.session.ErrorMessage == nil || !strings.Contains(*fs.session.ErrorMessage, "coverage") {
		t.Errorf("error message %v should mention coverage", fs.session.ErrorMessage)
	}
	if len(fs.projections) != 0 || len(fs.clusters) != 0 {
		t.Errorf("failed session persisted results: %d projections, %d clusters",
			len(fs.projections), len(fs.clusters))
	}
}

func TestPipelineTooFewPosts(t *testing.T) {
	fs := newFakeStore(testPosts(3), testConfig())
	p := newTestPipeline(fs, &fakeEmbedder{})

	if err := p.Run(context.Background(), fs.message()); err == nil {
		t.Fatal("Run() succeeded with an undersized sample")
	}
	if fs.session.Status != postgres.StatusFailed {
		t.Fatalf("status = %q, want failed", fs.session.Status)
	}
}

func TestPipelineTerminalSessionIsNoOp(t *testing.T) {
	fs := newFakeStore(testPosts(30), testConfig())
	fs.session.Status = postgres.StatusCancelled
	p := newTestPipeline(fs, &fakeEmbedder{err: errors.New("must not run")})

	if err := p.Run(context.Background(), fs.message()); err != nil {
		t.Fatalf("Run() on terminal session should be a clean no-op, got %v", err)
	}
	if fs.session.Status != postgres.StatusCancelled {
		t.Fatalf("terminal status mutated to %q", fs.session.Status)
	}
	if len(fs.progressLog) != 0 {
		t.Errorf("terminal session received %d phase updates", len(fs.progressLog))
	}
}

func TestPipelineCancelledMidRun(t *testing.T) {
	fs := newFakeStore(testPosts(30), testConfig())
	// Cancel while the sample stage is reading, before its phase commit.
	fs.onSample = func(f *fakeStore) {
		f.session.Status = postgres.StatusCancelled
	}
	p := newTestPipeline(fs, &fakeEmbedder{err: errors.New("must not run")})

	if err := p.Run(context.Background(), fs.message()); err != nil {
		t.Fatalf("Run() should abandon a cancelled session cleanly, got %v", err)
	}
	if fs.session.Status != postgres.StatusCancelled {
		t.Fatalf("status = %q, want cancelled to stick", fs.session.Status)
	}
	if len(fs.projections) != 0 {
		t.Errorf("cancelled session persisted %d projections", len(fs.projections))
	}
}

func TestPipelineResumesFromPersistedProjections(t *testing.T) {
	posts := testPosts(30)
	model := "fake-embed-v1"
	for i := range posts {
		v := pgvector.NewVector([]float32{float32(i % 2), 1 - float32(i%2), 0, 0, 0, 0, 0, 0})
		posts[i].Embedding = &v
		posts[i].EmbeddingModel = &model
	}

	fs := newFakeStore(posts, testConfig())

	// Simulate a crash after the clustering phase persisted projections
	// but before labeling finished.
	fs.session.Status = postgres.StatusClustering
	fs.session.Progress = progressReduced
	for i, p := range posts {
		conf := 0.9
		fs.projections = append(fs.projections, postgres.MapProjection{
			SessionID:         fs.session.ID,
			PostID:            p.ID,
			X:                 float64(i % 2),
			Y:                 float64(1 - i%2),
			Z:                 0,
			ClusterID:         int32(i % 2),
			ClusterConfidence: &conf,
		})
	}

	p := newTestPipeline(fs, &fakeEmbedder{err: errors.New("must not run")})
	if err := p.Run(context.Background(), fs.message()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if fs.session.Status != postgres.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", fs.session.Status, fs.session.PhaseMessage)
	}
	if len(fs.projections) != 30 {
		t.Fatalf("resume duplicated projections: %d rows", len(fs.projections))
	}
	if len(fs.clusters) != 2 {
		t.Fatalf("clusters = %d, want the 2 persisted cluster ids labeled", len(fs.clusters))
	}
	for _, c := range fs.clusters {
		if c.TweetCount != 15 {
			t.Errorf("cluster %d tweet_count = %d, want 15", c.ClusterID, c.TweetCount)
		}
	}
}

func TestPipelineRedeliveryNeverRewindsStatus(t *testing.T) {
	posts := testPosts(30)
	model := "fake-embed-v1"
	for i := range posts {
		v := pgvector.NewVector([]float32{float32(i % 2), 1 - float32(i%2), 0, 0, 0, 0, 0, 0})
		posts[i].Embedding = &v
		posts[i].EmbeddingModel = &model
	}

	fs := newFakeStore(posts, testConfig())

	// Redelivery after the session already committed clustering: the early
	// stages re-run to rebuild in-memory state, but a polling client must
	// never see the status drop back to vectorizing or reducing.
	fs.session.Status = postgres.StatusClustering
	fs.session.CurrentPhase = postgres.StatusClustering
	fs.session.Progress = progressReduced
	for i, p := range posts {
		conf := 0.9
		fs.projections = append(fs.projections, postgres.MapProjection{
			SessionID:         fs.session.ID,
			PostID:            p.ID,
			X:                 float64(i % 2),
			Y:                 float64(1 - i%2),
			ClusterID:         int32(i % 2),
			ClusterConfidence: &conf,
		})
	}

	p := newTestPipeline(fs, &fakeEmbedder{err: errors.New("must not run")})
	if err := p.Run(context.Background(), fs.message()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if fs.session.Status != postgres.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", fs.session.Status, fs.session.PhaseMessage)
	}

	prev := postgres.StatusRank(postgres.StatusClustering)
	for _, status := range fs.statusLog {
		rank := postgres.StatusRank(status)
		if rank < prev {
			t.Fatalf("status regressed to %q after clustering; transitions: %v", status, fs.statusLog)
		}
		prev = rank
	}
}

// countingCompleter fails every call; the pipeline should not reach it when
// cluster rows already exist.
type countingCompleter struct{ calls int }

func (c *countingCompleter) Complete(context.Context, []llm.Message) (string, error) {
	c.calls++
	return "", errors.New("labeling should have been skipped")
}

func TestPipelineRedeliverySkipsRelabeling(t *testing.T) {
	posts := testPosts(30)
	model := "fake-embed-v1"
	for i := range posts {
		v := pgvector.NewVector([]float32{float32(i % 2), 1 - float32(i%2), 0, 0, 0, 0, 0, 0})
		posts[i].Embedding = &v
		posts[i].EmbeddingModel = &model
	}

	fs := newFakeStore(posts, testConfig())

	// Crash landed between cluster persistence and completion: projections
	// and labeled cluster rows both exist already.
	fs.session.Status = postgres.StatusLabeling
	fs.session.CurrentPhase = postgres.StatusLabeling
	fs.session.Progress = progressClustered
	for i, p := range posts {
		conf := 0.9
		fs.projections = append(fs.projections, postgres.MapProjection{
			SessionID:         fs.session.ID,
			PostID:            p.ID,
			X:                 float64(i % 2),
			Y:                 float64(1 - i%2),
			ClusterID:         int32(i % 2),
			ClusterConfidence: &conf,
		})
	}
	for id := int32(0); id < 2; id++ {
		fs.clusters = append(fs.clusters, postgres.MapCluster{
			SessionID:      fs.session.ID,
			ClusterID:      id,
			Label:          fmt.Sprintf("Topic %d", id),
			Keywords:       []string{"transit", "housing"},
			TweetCount:     15,
			AvgSentiment:   -0.3,
			CoherenceScore: 0.8,
		})
	}

	completer := &countingCompleter{}
	logger := slog.New(slog.DiscardHandler)
	stages := []Stage{
		NewSampleStage(fs, 10, 3000, logger),
		NewVectorizeStage(fs, nil, 50, 0, 0.5, logger),
		NewReduceStage(fs, 8, logger),
		NewClusterStage(fs, 3, logger),
		NewLabelStage(fs, label.NewLabeler(completer, 1, logger), logger),
	}
	p := NewPipeline(fs, stages, time.Minute, logger)

	if err := p.Run(context.Background(), fs.message()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if fs.session.Status != postgres.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", fs.session.Status, fs.session.PhaseMessage)
	}
	if completer.calls != 0 {
		t.Errorf("labeling LLM called %d times despite persisted cluster rows", completer.calls)
	}
	if len(fs.clusters) != 2 {
		t.Errorf("clusters = %d, want the 2 persisted rows untouched", len(fs.clusters))
	}
}
