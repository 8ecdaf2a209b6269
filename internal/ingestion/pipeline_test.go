package ingestion

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainvault/internal/chunking"
	"brainvault/internal/config"
	"brainvault/internal/facts"
	"brainvault/internal/llm"
	"brainvault/internal/notify"
	"brainvault/internal/store"
	"brainvault/internal/types"
	"brainvault/internal/vector"
)

type fixture struct {
	store    *store.Store
	vectors  *vector.MemoryStore
	hub      *notify.Hub
	pipeline *Pipeline
	chat     *llm.FakeChatProvider
}

// scriptedChat answers enrichment and extraction prompts with canned JSON.
func scriptedChat(enrichErr error) *llm.FakeChatProvider {
	return &llm.FakeChatProvider{
		ProviderName: "openai",
		Respond: func(req llm.ChatRequest) (*llm.ChatResponse, error) {
			switch {
			case strings.Contains(req.System, "annotate"):
				if enrichErr != nil {
					return nil, enrichErr
				}
				return &llm.ChatResponse{
					Content:   `{"summary": "A note about pets.", "qas": [{"question": "What pet?", "answer": "A dog."}], "entities": ["Rex"]}`,
					TokensIn:  50,
					TokensOut: 30,
				}, nil
			case strings.Contains(req.System, "extract atomic facts"):
				return &llm.ChatResponse{
					Content:   `{"facts": [{"subject": "user", "predicate": "has_pet", "object": "a dog named Rex", "confidence": 0.9}]}`,
					TokensIn:  40,
					TokensOut: 25,
				}, nil
			default:
				return &llm.ChatResponse{Content: `{}`}, nil
			}
		},
	}
}

func newFixture(t *testing.T, chat *llm.FakeChatProvider) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	llmCfg := &config.LLMConfig{
		ChatModel:      "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		RequestTimeout: 5,
		MaxConcurrency: 4,
	}
	chunkCfg := &config.ChunkingConfig{
		SingleChunkMax:      500,
		RecursiveMax:        3000,
		ChunkSize:           1000,
		ChunkOverlap:        200,
		SemanticThreshold:   0.5,
		SemanticMinBuffer:   150,
		SemanticMaxBuffer:   2000,
		MaxEmbeddingContent: 8000,
	}

	vectors := vector.NewMemoryStore()
	gateway := llm.NewGateway(llmCfg, []llm.ChatProvider{chat}, &llm.FakeEmbedder{Dimension: 8}, &llm.MemorySink{}, &llm.StaticBudget{})
	factSvc := facts.NewService(st, vectors, gateway, llm.IdentityJudge{})
	hub := notify.NewHub()
	chunker := chunking.NewChunker(chunkCfg, nil)

	return &fixture{
		store:    st,
		vectors:  vectors,
		hub:      hub,
		pipeline: NewPipeline(st, vectors, gateway, chunker, factSvc, hub, chunkCfg),
		chat:     chat,
	}
}

func createMemory(t *testing.T, f *fixture, userID int64, content string) *types.Memory {
	t.Helper()
	m := &types.Memory{
		UserID:  userID,
		Title:   "note",
		Content: content,
		Status:  types.StatusApproved,
	}
	require.NoError(t, f.store.CreateMemory(context.Background(), m))
	return m
}

func TestIngestPersistsChunksVectorsAndFacts(t *testing.T) {
	f := newFixture(t, scriptedChat(nil))
	ctx := context.Background()

	u, err := f.store.CreateUser(ctx, "ana@example.com")
	require.NoError(t, err)
	m := createMemory(t, f, u.ID, "I got a dog named Rex last week.")

	sub, cancel := f.hub.Subscribe(u.ID)
	defer cancel()

	require.NoError(t, f.pipeline.Ingest(ctx, u.ID, m.ID))

	chunks, err := f.store.ListChunksByMemory(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "A note about pets.", chunks[0].Summary)
	assert.Len(t, chunks[0].GeneratedQAs, 1)
	assert.Equal(t, []string{"Rex"}, chunks[0].Entities)
	assert.NotEmpty(t, chunks[0].EmbeddingID)

	// One chunk vector plus one fact vector.
	assert.Equal(t, 2, f.vectors.Len())

	factIDs, err := f.store.ListFactIDsByMemory(ctx, u.ID, m.ID)
	require.NoError(t, err)
	assert.Len(t, factIDs, 1)

	got, err := f.store.GetMemory(ctx, u.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, chunks[0].EmbeddingID, got.EmbeddingID)

	select {
	case event := <-sub.C:
		assert.Equal(t, types.EventIngestionComplete, event.Type)
	default:
		t.Fatal("ingestion_complete event was not published")
	}
}

func TestIngestEnrichmentFailureAborts(t *testing.T) {
	f := newFixture(t, scriptedChat(errors.New("upstream down")))
	ctx := context.Background()

	u, err := f.store.CreateUser(ctx, "ana@example.com")
	require.NoError(t, err)
	m := createMemory(t, f, u.ID, "I got a dog named Rex last week.")

	err = f.pipeline.Ingest(ctx, u.ID, m.ID)
	require.Error(t, err)

	// Nothing half-written: no chunks, no vectors.
	chunks, err := f.store.ListChunksByMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Zero(t, f.vectors.Len())
}

func TestIngestFactFailureIsSkippedPerChunk(t *testing.T) {
	chat := &llm.FakeChatProvider{
		ProviderName: "openai",
		Respond: func(req llm.ChatRequest) (*llm.ChatResponse, error) {
			if strings.Contains(req.System, "annotate") {
				return &llm.ChatResponse{Content: `{"summary": "s", "qas": [], "entities": []}`}, nil
			}
			return nil, errors.New("extraction model unavailable")
		},
	}
	f := newFixture(t, chat)
	ctx := context.Background()

	u, err := f.store.CreateUser(ctx, "ana@example.com")
	require.NoError(t, err)
	m := createMemory(t, f, u.ID, "Some short note.")

	// Extraction failing must not fail the ingestion.
	require.NoError(t, f.pipeline.Ingest(ctx, u.ID, m.ID))

	chunks, err := f.store.ListChunksByMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)

	factIDs, err := f.store.ListFactIDsByMemory(ctx, u.ID, m.ID)
	require.NoError(t, err)
	assert.Empty(t, factIDs)
}

func TestReingestReplacesChunksAndVectors(t *testing.T) {
	f := newFixture(t, scriptedChat(nil))
	ctx := context.Background()

	u, err := f.store.CreateUser(ctx, "ana@example.com")
	require.NoError(t, err)
	m := createMemory(t, f, u.ID, "First version of the note.")

	require.NoError(t, f.pipeline.Ingest(ctx, u.ID, m.ID))
	first, err := f.store.ListChunksByMemory(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, f.store.UpdateMemoryContent(ctx, u.ID, m.ID, "note", "Second version of the note.", nil))
	require.NoError(t, f.pipeline.Ingest(ctx, u.ID, m.ID))

	second, err := f.store.ListChunksByMemory(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].EmbeddingID, second[0].EmbeddingID)
	assert.Equal(t, "Second version of the note.", second[0].Text)

	// The old chunk's vector is gone; the fact vectors accumulate under
	// their own ids, so count chunk vectors only.
	matches, err := f.vectors.Query(ctx, probeVector(t, ctx), 10, vector.Filter{
		vector.MetaType: string(types.VectorTypeChunk),
	}, false)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, second[0].EmbeddingID, matches[0].ID)
}

func TestDeleteMemoryDataRemovesEverything(t *testing.T) {
	f := newFixture(t, scriptedChat(nil))
	ctx := context.Background()

	u, err := f.store.CreateUser(ctx, "ana@example.com")
	require.NoError(t, err)
	m := createMemory(t, f, u.ID, "I got a dog named Rex last week.")

	require.NoError(t, f.pipeline.Ingest(ctx, u.ID, m.ID))
	require.NotZero(t, f.vectors.Len())

	require.NoError(t, f.pipeline.DeleteMemoryData(ctx, u.ID, m.ID))

	assert.Zero(t, f.vectors.Len())
	_, err = f.store.GetMemory(ctx, u.ID, m.ID)
	assert.Error(t, err)
	chunks, err := f.store.ListChunksByMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestEmbeddingTextIncludesEnrichmentContext(t *testing.T) {
	f := newFixture(t, scriptedChat(nil))

	text := f.pipeline.embeddingText(&types.Chunk{
		Text:    "Body text.",
		Summary: "Short summary.",
		GeneratedQAs: []types.QA{
			{Question: "What?", Answer: "This."},
		},
	})

	assert.Contains(t, text, "Body text.")
	assert.Contains(t, text, "-- Context --")
	assert.Contains(t, text, "Summary: Short summary.")
	assert.Contains(t, text, "Q: What?")
	assert.Contains(t, text, "A: This.")

	// Without enrichment the text passes through untouched.
	plain := f.pipeline.embeddingText(&types.Chunk{Text: "Body text."})
	assert.Equal(t, "Body text.", plain)
}

func TestEmbeddingTextRespectsCap(t *testing.T) {
	f := newFixture(t, scriptedChat(nil))
	f.pipeline.cfg.MaxEmbeddingContent = 20

	text := f.pipeline.embeddingText(&types.Chunk{
		Text:    strings.Repeat("x", 100),
		Summary: "summary",
	})
	assert.Len(t, text, 20)
}

// probeVector embeds an arbitrary probe; ordering is irrelevant when the
// filter narrows the result to one match.
func probeVector(t *testing.T, ctx context.Context) []float32 {
	t.Helper()
	vecs, _, err := (&llm.FakeEmbedder{Dimension: 8}).EmbedBatch(ctx, []string{"probe"})
	require.NoError(t, err)
	return vecs[0]
}
