package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainvault/internal/apperrors"
	"brainvault/internal/chunking"
	"brainvault/internal/config"
	"brainvault/internal/facts"
	"brainvault/internal/ingestion"
	"brainvault/internal/llm"
	"brainvault/internal/notify"
	"brainvault/internal/ratelimit"
	"brainvault/internal/retrieval"
	"brainvault/internal/store"
	"brainvault/internal/tasks"
	"brainvault/internal/types"
	"brainvault/internal/vector"
)

type fixture struct {
	store   *store.Store
	vectors *vector.MemoryStore
	hub     *notify.Hub
	router  *Router
	user    *types.User
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	u, err := st.CreateUser(context.Background(), "ana@example.com")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	vectors := vector.NewMemoryStore()
	hub := notify.NewHub()
	gateway := llm.NewGateway(&cfg.LLM, nil, &llm.FakeEmbedder{Dimension: 8}, &llm.MemorySink{}, &llm.StaticBudget{})
	factSvc := facts.NewService(st, vectors, gateway, llm.IdentityJudge{})
	chunker := chunking.NewChunker(&cfg.Chunking, nil)
	pipeline := ingestion.NewPipeline(st, vectors, gateway, chunker, factSvc, hub, &cfg.Chunking)
	planner := retrieval.NewPlanner(st, vectors, gateway, &cfg.Retrieval)
	limiter := ratelimit.NewSlidingWindow(cfg.Drop.RateLimit, time.Duration(cfg.Drop.RateWindowSec)*time.Second)
	t.Cleanup(func() { _ = limiter.Close() })

	runner := tasks.NewRunner(st, &cfg.Tasks)
	// Handlers are registered so Enqueue accepts the task types; the pool
	// itself is not started in these tests.
	noop := func(ctx context.Context, task *store.Task) error { return nil }
	runner.Register(tasks.TypeMemoryMetadata, noop)
	runner.Register(tasks.TypeMemoryIngest, noop)
	runner.Register(tasks.TypeMemoryDedupe, noop)

	return &fixture{
		store:   st,
		vectors: vectors,
		hub:     hub,
		router:  NewRouter(cfg, st, runner, pipeline, planner, hub, limiter),
		user:    u,
		cfg:     cfg,
	}
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}, asUser bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if asUser {
		req.Header.Set("X-User-ID", fmt.Sprintf("%d", f.user.ID))
	}
	rec := httptest.NewRecorder()
	f.router.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/api/v1/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPrincipalRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/api/v1/inbox", nil, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown user id is rejected too.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/inbox", nil)
	req.Header.Set("X-User-ID", "9999")
	rec2 := httptest.NewRecorder()
	f.router.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusForbidden, rec2.Code)
}

func TestCreateMemory(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/memories", map[string]interface{}{
		"title":   "note",
		"content": "remember the milk",
		"tags":    []string{"errands"},
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	m, err := f.store.GetMemory(context.Background(), f.user.ID, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, m.Status)
	assert.True(t, m.Trusted)
	assert.False(t, m.ShowInInbox)

	// Metadata, ingest, and dedupe tasks were queued.
	claimed := 0
	for {
		task, err := f.store.ClaimTask(context.Background())
		require.NoError(t, err)
		if task == nil {
			break
		}
		claimed++
	}
	assert.Equal(t, 3, claimed)
}

func TestCreateMemoryBackdating(t *testing.T) {
	f := newFixture(t)
	past := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)

	// Without the benchmark tag the timestamp is ignored.
	rec := f.request(t, http.MethodPost, "/api/v1/memories", map[string]interface{}{
		"content":    "plain note",
		"created_at": past,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var plain struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plain))
	m, err := f.store.GetMemory(context.Background(), f.user.ID, plain.ID)
	require.NoError(t, err)
	assert.True(t, m.CreatedAt.After(past.Add(time.Hour)))

	// With it, the timestamp is honored.
	rec = f.request(t, http.MethodPost, "/api/v1/memories", map[string]interface{}{
		"content":    "replayed note",
		"tags":       []string{"memorybench"},
		"created_at": past,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var replay struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replay))
	m, err = f.store.GetMemory(context.Background(), f.user.ID, replay.ID)
	require.NoError(t, err)
	assert.True(t, m.CreatedAt.Equal(past))
}

func TestCreateMemoryRejectsEmptyContent(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/memories", map[string]interface{}{"title": "empty"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func dropPath(f *fixture) string {
	return "/api/v1/inbox/drop/" + f.user.DropToken
}

func TestDropCreatesInboxItem(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, dropPath(f), map[string]interface{}{
		"title":   "From the crawler",
		"content": "<div>Useful <b>payload</b><script>alert(1)</script></div>",
	}, false)
	require.Equal(t, http.StatusAccepted, rec.Code)

	items, err := f.store.ListInbox(context.Background(), f.user.ID, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Useful payload", items[0].Content)
	assert.Equal(t, types.StatusPending, items[0].Status)
	assert.False(t, items[0].Trusted)
	assert.Equal(t, "agent_drop", items[0].SourceLLM)
}

func TestDropRejectsUnknownToken(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/inbox/drop/bogus", map[string]interface{}{
		"content": "anything",
	}, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDropRejectsEmptyAfterStrip(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, dropPath(f), map[string]interface{}{
		"content": "<script>only evil()</script>",
	}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDropBodySizeBoundary(t *testing.T) {
	f := newFixture(t)

	// Build payloads of exactly 51199 and 51200 bytes.
	build := func(total int) []byte {
		prefix := `{"content": "`
		suffix := `"}`
		filler := total - len(prefix) - len(suffix)
		return []byte(prefix + strings.Repeat("x", filler) + suffix)
	}

	under := build(51199)
	require.Len(t, under, 51199)
	req := httptest.NewRequest(http.MethodPost, dropPath(f), bytes.NewReader(under))
	rec := httptest.NewRecorder()
	f.router.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	at := build(51200)
	require.Len(t, at, 51200)
	req = httptest.NewRequest(http.MethodPost, dropPath(f), bytes.NewReader(at))
	rec = httptest.NewRecorder()
	f.router.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDropRateLimit(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 10; i++ {
		rec := f.request(t, http.MethodPost, dropPath(f), map[string]interface{}{
			"content": fmt.Sprintf("drop number %d", i),
		}, false)
		require.Equal(t, http.StatusAccepted, rec.Code, "drop %d should pass", i+1)
	}

	rec := f.request(t, http.MethodPost, dropPath(f), map[string]interface{}{
		"content": "one too many",
	}, false)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestInboxActionApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := &types.Memory{
		UserID: f.user.ID, Title: "t", Content: "pending item",
		Status: types.StatusPending, ShowInInbox: true, SourceLLM: "agent_drop",
	}
	require.NoError(t, f.store.CreateMemory(ctx, m))

	rec := f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/inbox/%d/action", m.ID),
		map[string]interface{}{"action": "approve"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetMemory(ctx, f.user.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, got.Status)
	assert.False(t, got.ShowInInbox)

	// Ingest and dedupe tasks were queued.
	task, err := f.store.ClaimTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, tasks.TypeMemoryIngest, task.Type)
}

func TestInboxActionDiscardDeletesVectorsFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := &types.Memory{
		UserID: f.user.ID, Title: "t", Content: "to be discarded",
		Status: types.StatusPending, ShowInInbox: true,
	}
	require.NoError(t, f.store.CreateMemory(ctx, m))

	rec := f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/inbox/%d/action", m.ID),
		map[string]interface{}{"action": "discard"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetMemory(ctx, f.user.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDiscarded, got.Status)
	assert.False(t, got.ShowInInbox)
	assert.Zero(t, f.vectors.Len())
}

func TestInboxActionDismissKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := &types.Memory{
		UserID: f.user.ID, Title: "t", Content: "keep me pending",
		Status: types.StatusPending, ShowInInbox: true,
	}
	require.NoError(t, f.store.CreateMemory(ctx, m))

	rec := f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/inbox/%d/action", m.ID),
		map[string]interface{}{"action": "dismiss"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetMemory(ctx, f.user.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.False(t, got.ShowInInbox)
}

func TestInboxActionUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := &types.Memory{UserID: f.user.ID, Title: "t", Content: "x", Status: types.StatusPending, ShowInInbox: true}
	require.NoError(t, f.store.CreateMemory(ctx, m))

	rec := f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/inbox/%d/action", m.ID),
		map[string]interface{}{"action": "merge"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInboxActionWrongOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.store.CreateUser(ctx, "bob@example.com")
	require.NoError(t, err)
	m := &types.Memory{UserID: other.ID, Title: "t", Content: "not yours", Status: types.StatusPending, ShowInInbox: true}
	require.NoError(t, f.store.CreateMemory(ctx, m))

	rec := f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/inbox/%d/action", m.ID),
		map[string]interface{}{"action": "approve"}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchEpisodic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := &types.Memory{UserID: f.user.ID, Title: "trip", Content: "Flew to Tokyo in spring", Status: types.StatusApproved}
	require.NoError(t, f.store.CreateMemory(ctx, m))

	rec := f.request(t, http.MethodPost, "/api/v1/retrieval/search", map[string]interface{}{
		"query": "tokyo",
		"top_k": 5,
		"view":  "episodic",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []retrieval.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, m.ID, resp.Results[0].MemoryID)
}

func TestClusterReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := &types.Cluster{
		UserID:             f.user.ID,
		MemberMemoryIDs:    []int64{1, 2},
		RepresentativeText: "two takes on the same trip",
	}
	require.NoError(t, f.store.CreateCluster(ctx, c))

	rec := f.request(t, http.MethodGet, "/api/v1/clusters", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Clusters []*types.Cluster `json:"clusters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Clusters, 1)

	rec = f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/clusters/%d/action", c.ID),
		map[string]interface{}{"action": "reject"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetCluster(ctx, f.user.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterRejected, got.Status)

	// Resolved clusters drop out of the pending list.
	pending, err := f.store.ListPendingClusters(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClusterActionRejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := &types.Cluster{UserID: f.user.ID, MemberMemoryIDs: []int64{1}}
	require.NoError(t, f.store.CreateCluster(ctx, c))

	rec := f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/clusters/%d/action", c.ID),
		map[string]interface{}{"action": "merge"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClusterActionWrongOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.store.CreateUser(ctx, "bob@example.com")
	require.NoError(t, err)
	c := &types.Cluster{UserID: other.ID, MemberMemoryIDs: []int64{1}}
	require.NoError(t, f.store.CreateCluster(ctx, c))

	rec := f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/clusters/%d/action", c.ID),
		map[string]interface{}{"action": "accept"}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func (f *fixture) seedChunk(t *testing.T, ownerID int64, text string) *types.Chunk {
	t.Helper()
	ctx := context.Background()
	m := &types.Memory{UserID: ownerID, Title: "t", Content: text, Status: types.StatusApproved}
	require.NoError(t, f.store.CreateMemory(ctx, m))
	chunk := &types.Chunk{
		MemoryID:    m.ID,
		Text:        text,
		EmbeddingID: fmt.Sprintf("emb-%d", m.ID),
		TrustScore:  0.5,
	}
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		return f.store.InsertChunksTx(ctx, tx, []*types.Chunk{chunk})
	}))
	require.NoError(t, f.vectors.Upsert(ctx, []vector.Record{{
		ID:     chunk.EmbeddingID,
		Values: []float32{1, 0, 0, 0, 0, 0, 0, 0},
		Metadata: map[string]interface{}{
			vector.MetaUserID:      ownerID,
			vector.MetaType:        string(types.VectorTypeChunk),
			vector.MetaMemoryID:    m.ID,
			vector.MetaTextContent: text,
		},
	}}))
	return chunk
}

func TestDeleteMemoryArchives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunk := f.seedChunk(t, f.user.ID, "the old apartment in Porto")
	require.Equal(t, 1, f.vectors.Len())

	rec := f.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/memories/%d", chunk.MemoryID), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	// The row survives as an archived tombstone; the derived data is gone.
	m, err := f.store.GetMemory(ctx, f.user.ID, chunk.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, m.Status)
	assert.Zero(t, f.vectors.Len())
	chunks, err := f.store.ListChunksByMemory(ctx, chunk.MemoryID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestDeleteMemoryPermanent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunk := f.seedChunk(t, f.user.ID, "gone for good")

	rec := f.request(t, http.MethodDelete,
		fmt.Sprintf("/api/v1/memories/%d?permanent=true", chunk.MemoryID), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.store.GetMemory(ctx, f.user.ID, chunk.MemoryID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
	assert.Zero(t, f.vectors.Len())
}

func TestDeleteMemoryWrongOwner(t *testing.T) {
	f := newFixture(t)
	other, err := f.store.CreateUser(context.Background(), "bob@example.com")
	require.NoError(t, err)
	chunk := f.seedChunk(t, other.ID, "not yours to archive")

	rec := f.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/memories/%d", chunk.MemoryID), nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.request(t, http.MethodDelete,
		fmt.Sprintf("/api/v1/memories/%d?permanent=true", chunk.MemoryID), nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1, f.vectors.Len())
}

func TestRetrievalFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunk := f.seedChunk(t, f.user.ID, "espresso beans keep best in the freezer")

	rec := f.request(t, http.MethodPost, "/api/v1/retrieval/feedback", map[string]interface{}{
		"chunk_id": chunk.ID,
		"helpful":  true,
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodPost, "/api/v1/retrieval/feedback", map[string]interface{}{
		"chunk_id": chunk.ID,
		"helpful":  false,
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got.FeedbackScore, 1e-9)
}

func TestRetrievalFeedbackWrongOwner(t *testing.T) {
	f := newFixture(t)
	other, err := f.store.CreateUser(context.Background(), "bob@example.com")
	require.NoError(t, err)
	chunk := f.seedChunk(t, other.ID, "not your chunk")

	rec := f.request(t, http.MethodPost, "/api/v1/retrieval/feedback", map[string]interface{}{
		"chunk_id": chunk.ID,
		"helpful":  true,
	}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/retrieval/search", map[string]interface{}{
		"view": "semantic",
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
