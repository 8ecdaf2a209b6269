package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainvault/internal/config"
	"brainvault/internal/llm"
	"brainvault/internal/store"
	"brainvault/internal/types"
	"brainvault/internal/vector"
)

type fixture struct {
	store    *store.Store
	vectors  *vector.MemoryStore
	embedder *llm.FakeEmbedder
	planner  *Planner
	userID   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "retrieval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	u, err := st.CreateUser(context.Background(), "ana@example.com")
	require.NoError(t, err)

	llmCfg := &config.LLMConfig{EmbeddingModel: "text-embedding-3-small", RequestTimeout: 5, MaxConcurrency: 4}
	embedder := &llm.FakeEmbedder{Dimension: 8}
	vectors := vector.NewMemoryStore()
	gateway := llm.NewGateway(llmCfg, nil, embedder, &llm.MemorySink{}, &llm.StaticBudget{})

	retrCfg := config.DefaultConfig().Retrieval
	return &fixture{
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		planner:  NewPlanner(st, vectors, gateway, &retrCfg),
		userID:   u.ID,
	}
}

func (f *fixture) embed(t *testing.T, text string) []float32 {
	t.Helper()
	vecs, _, err := f.embedder.EmbedBatch(context.Background(), []string{text})
	require.NoError(t, err)
	return vecs[0]
}

// seedChunk creates a memory with one chunk and indexes the chunk under a
// caller-chosen vector so similarity is controlled by the test.
func (f *fixture) seedChunk(t *testing.T, text string, vec []float32, trust, feedback float64, createdAt time.Time) *types.Chunk {
	t.Helper()
	ctx := context.Background()

	m := &types.Memory{
		UserID:    f.userID,
		Title:     "seed",
		Content:   text,
		Status:    types.StatusApproved,
		CreatedAt: createdAt,
	}
	require.NoError(t, f.store.CreateMemory(ctx, m))

	c := &types.Chunk{
		MemoryID:      m.ID,
		ChunkIndex:    0,
		Text:          text,
		EmbeddingID:   fmt.Sprintf("emb-%d", m.ID),
		TrustScore:    trust,
		FeedbackScore: feedback,
	}
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		return f.store.InsertChunksTx(ctx, tx, []*types.Chunk{c})
	}))

	require.NoError(t, f.vectors.Upsert(ctx, []vector.Record{{
		ID:     c.EmbeddingID,
		Values: vec,
		Metadata: map[string]interface{}{
			vector.MetaUserID:      f.userID,
			vector.MetaType:        string(types.VectorTypeChunk),
			vector.MetaTextContent: text,
			vector.MetaMemoryID:    m.ID,
		},
	}}))
	return c
}

func (f *fixture) seedFact(t *testing.T, subject, predicate, object string, confidence float64, validFrom time.Time, vec []float32) *types.Fact {
	t.Helper()
	ctx := context.Background()

	fact := &types.Fact{
		UserID:     f.userID,
		Subject:    subject,
		Predicate:  predicate,
		Object:     object,
		Confidence: confidence,
		ValidFrom:  validFrom,
	}
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := f.store.InsertFactTx(ctx, tx, fact)
		return err
	}))

	require.NoError(t, f.vectors.Upsert(ctx, []vector.Record{{
		ID:     fact.VectorID(),
		Values: vec,
		Metadata: map[string]interface{}{
			vector.MetaUserID:      f.userID,
			vector.MetaType:        string(types.VectorTypeFact),
			vector.MetaFactID:      fact.ID,
			vector.MetaTextContent: fact.Text(),
		},
	}}))
	return fact
}

func TestSearchRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.planner.Search(ctx, f.userID, "", 5, ViewSemantic)
	assert.Error(t, err)

	_, err = f.planner.Search(ctx, f.userID, "query", 5, View("temporal"))
	assert.Error(t, err)
}

func TestSemanticDropsNearDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	query := "what coffee do I like"
	queryVec := f.embed(t, query)

	// Two near-identical texts share the same vector; a third is distinct.
	dupVec := queryVec
	f.seedChunk(t, "I drink an espresso every single morning at home", dupVec, 0.5, 0, now)
	f.seedChunk(t, "I drink an espresso every single morning at home.", dupVec, 0.5, 0, now)
	f.seedChunk(t, "My bicycle needs a new chain soon", f.embed(t, "bicycle chain"), 0.5, 0, now)

	results, err := f.planner.Search(ctx, f.userID, query, 2, ViewSemantic)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Exactly one of the near-duplicates survives.
	assert.Contains(t, results[0].Text, "espresso")
	assert.Contains(t, results[1].Text, "bicycle")
}

func TestSemanticScoreComposition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	query := "project status"
	queryVec := f.embed(t, query)
	created := time.Now().UTC().Add(-10 * 24 * time.Hour)

	c := f.seedChunk(t, "The project shipped its first beta", queryVec, 0.8, 0.5, created)

	results, err := f.planner.Search(ctx, f.userID, query, 1, ViewSemantic)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, c.ID, results[0].ChunkID)

	// base 1.0 × (1+0.5) × (0.5+0.8) × (1 + 0.1/10)
	expected := 1.0 * 1.5 * 1.3 * (1 + 0.1/10)
	assert.InDelta(t, expected, results[0].Score, 0.01)
}

func TestStateViewReturnsCurrentFactsFormatted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	query := "where does the user live"
	queryVec := f.embed(t, query)
	validFrom := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

	current := f.seedFact(t, "user", "lives_in", "Porto", 0.9, validFrom, queryVec)

	// A superseded fact never appears in state results.
	old := f.seedFact(t, "user", "lives_in", "Lisbon", 0.9, validFrom.AddDate(-1, 0, 0), queryVec)
	require.NoError(t, f.store.SupersedeFact(ctx, f.userID, old.ID, time.Now().UTC()))

	results, err := f.planner.Search(ctx, f.userID, query, 5, ViewState)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, current.ID, results[0].FactID)
	assert.Equal(t,
		fmt.Sprintf("[%s] user lives_in Porto", validFrom.Local().Format("2006-01-02")),
		results[0].Text)
	// confidence 0.9 + rank bonus + recency bonus for <365d.
	assert.Greater(t, results[0].Score, 0.9)
}

func TestStateViewPassiveCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	query := "employer"
	queryVec := f.embed(t, query)
	validFrom := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

	kept := f.seedFact(t, "user", "works_at", "Acme Corporation", 0.95, validFrom, queryVec)
	// Near-identical restatement with the same valid_from.
	dup := f.seedFact(t, "user", "works_at", "Acme Corporation.", 0.5, validFrom, queryVec)

	results, err := f.planner.Search(ctx, f.userID, query, 5, ViewState)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, kept.ID, results[0].FactID)

	// The redundant copy is superseded in the background.
	require.Eventually(t, func() bool {
		row, err := f.store.GetFact(ctx, f.userID, dup.ID)
		return err == nil && row.IsSuperseded
	}, 2*time.Second, 20*time.Millisecond)

	// The kept fact stays current.
	row, err := f.store.GetFact(ctx, f.userID, kept.ID)
	require.NoError(t, err)
	assert.True(t, row.Current())
}

func TestEpisodicView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older := &types.Memory{
		UserID:    f.userID,
		Title:     "trip",
		Content:   "Flew to Tokyo for the conference",
		Status:    types.StatusApproved,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, f.store.CreateMemory(ctx, older))
	newer := &types.Memory{
		UserID:  f.userID,
		Title:   "food",
		Content: "Best ramen in Tokyo was in Shinjuku",
		Status:  types.StatusApproved,
	}
	require.NoError(t, f.store.CreateMemory(ctx, newer))

	results, err := f.planner.Search(ctx, f.userID, "tokyo", 10, ViewEpisodic)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Newest first, fixed score.
	assert.Equal(t, newer.ID, results[0].MemoryID)
	assert.Equal(t, older.ID, results[1].MemoryID)
	assert.Equal(t, 1.0, results[0].Score)
}

func TestAutoViewStateLeadsSemantic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	query := "where do I live"
	queryVec := f.embed(t, query)

	f.seedFact(t, "user", "lives_in", "Porto", 0.9, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), queryVec)
	f.seedChunk(t, "I moved to Porto and love the riverside", queryVec, 0.5, 0, time.Now().UTC())

	results, err := f.planner.Search(ctx, f.userID, query, 5, ViewAuto)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, ViewState, results[0].View)
	assert.Equal(t, ViewSemantic, results[1].View)
}
