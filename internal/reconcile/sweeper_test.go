package reconcile

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainvault/internal/config"
	"brainvault/internal/llm"
	"brainvault/internal/store"
	"brainvault/internal/types"
	"brainvault/internal/vector"
)

type fixture struct {
	store   *store.Store
	vectors *vector.MemoryStore
	sweeper *Sweeper
	userID  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	u, err := st.CreateUser(context.Background(), "ana@example.com")
	require.NoError(t, err)

	llmCfg := &config.LLMConfig{EmbeddingModel: "text-embedding-3-small", RequestTimeout: 5, MaxConcurrency: 4}
	vectors := vector.NewMemoryStore()
	gateway := llm.NewGateway(llmCfg, nil, &llm.FakeEmbedder{Dimension: 8}, &llm.MemorySink{}, &llm.StaticBudget{})

	return &fixture{
		store:   st,
		vectors: vectors,
		sweeper: NewSweeper(st, vectors, gateway, 8000),
		userID:  u.ID,
	}
}

func (f *fixture) seedChunkRow(t *testing.T, embeddingID, text string) *types.Chunk {
	t.Helper()
	ctx := context.Background()

	m := &types.Memory{UserID: f.userID, Title: "m", Content: text, Status: types.StatusApproved}
	require.NoError(t, f.store.CreateMemory(ctx, m))

	c := &types.Chunk{MemoryID: m.ID, ChunkIndex: 0, Text: text, EmbeddingID: embeddingID}
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		return f.store.InsertChunksTx(ctx, tx, []*types.Chunk{c})
	}))
	return c
}

func TestSweepReindexesMissingVectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedChunkRow(t, "emb-missing", "a chunk whose vector got lost")
	require.Zero(t, f.vectors.Len())

	require.NoError(t, f.sweeper.Sweep(ctx))

	assert.Equal(t, 1, f.vectors.Len())
	ids, err := f.vectors.ListIDs(ctx, vector.Filter{vector.MetaType: string(types.VectorTypeChunk)})
	require.NoError(t, err)
	assert.Equal(t, []string{c.EmbeddingID}, ids)
}

func TestSweepDeletesOrphanVectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A chunk vector with no backing row.
	require.NoError(t, f.vectors.Upsert(ctx, []vector.Record{{
		ID:     "emb-orphan",
		Values: []float32{1, 0, 0, 0, 0, 0, 0, 0},
		Metadata: map[string]interface{}{
			vector.MetaUserID: f.userID,
			vector.MetaType:   string(types.VectorTypeChunk),
		},
	}}))

	require.NoError(t, f.sweeper.Sweep(ctx))
	assert.Zero(t, f.vectors.Len())
}

func TestSweepLeavesFactVectorsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Fact vectors are out of scope even without a chunk row behind them.
	require.NoError(t, f.vectors.Upsert(ctx, []vector.Record{{
		ID:     "fact_1",
		Values: []float32{1, 0, 0, 0, 0, 0, 0, 0},
		Metadata: map[string]interface{}{
			vector.MetaUserID: f.userID,
			vector.MetaType:   string(types.VectorTypeFact),
			vector.MetaFactID: int64(1),
		},
	}}))

	require.NoError(t, f.sweeper.Sweep(ctx))
	assert.Equal(t, 1, f.vectors.Len())
}

func TestSweepConvergesWhenConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.seedChunkRow(t, "emb-ok", "already indexed chunk")
	require.NoError(t, f.sweeper.Sweep(ctx))
	require.Equal(t, 1, f.vectors.Len())

	// A second sweep finds nothing to do.
	require.NoError(t, f.sweeper.Sweep(ctx))
	assert.Equal(t, 1, f.vectors.Len())

	ids, err := f.vectors.ListIDs(ctx, vector.Filter{vector.MetaType: string(types.VectorTypeChunk)})
	require.NoError(t, err)
	assert.Equal(t, []string{c.EmbeddingID}, ids)
}
