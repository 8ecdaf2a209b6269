package facts

import (
	"context"
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
	store   *store.Store
	vectors *vector.MemoryStore
	gateway *llm.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "facts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	cfg := &config.LLMConfig{EmbeddingModel: "text-embedding-3-small", RequestTimeout: 5, MaxConcurrency: 4}
	return &fixture{
		store:   st,
		vectors: vector.NewMemoryStore(),
		gateway: llm.NewGateway(cfg, nil, &llm.FakeEmbedder{Dimension: 8}, &llm.MemorySink{}, &llm.StaticBudget{}),
	}
}

// scriptedJudge returns canned verdicts keyed by candidate object.
type scriptedJudge struct {
	verdicts map[string]llm.Verdict
}

func (j *scriptedJudge) Judge(ctx context.Context, userID int64, candidate *types.Fact, neighbors []*types.Fact) (llm.Verdict, error) {
	if v, ok := j.verdicts[candidate.Object]; ok {
		return v, nil
	}
	return llm.Verdict{Decision: llm.DecisionNew}, nil
}

func TestNormalizePredicate(t *testing.T) {
	assert.Equal(t, "lives_in", normalizePredicate("livesIn"))
	assert.Equal(t, "lives_in", normalizePredicate("lives in"))
	assert.Equal(t, "lives_in", normalizePredicate("lives_in"))
	assert.Equal(t, "job_title", normalizePredicate("JobTitle"))
	assert.True(t, IsSingleValue("LivesIn"))
	assert.False(t, IsSingleValue("has_pet"))
}

func TestCreateFactsNew(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, f.vectors, f.gateway, nil)
	ctx := context.Background()

	ref := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	written, err := svc.CreateFacts(ctx, 1, 10, 20, []llm.CandidateFact{
		{Subject: "user", Predicate: "has_pet", Object: "a dog named Rex", Confidence: 0.9},
		{Subject: "user", Predicate: "works_at", Object: "Acme", Confidence: 0.8, ValidFrom: "2023-06-01"},
	}, ref)
	require.NoError(t, err)
	require.Len(t, written, 2)

	// Unset valid_from falls back to the reference date.
	assert.Equal(t, ref, written[0].ValidFrom)
	assert.Equal(t, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), written[1].ValidFrom)

	// Facts are indexed under fact_<id> immediately.
	ids, err := f.vectors.ListIDs(ctx, vector.Filter{vector.MetaType: string(types.VectorTypeFact)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{written[0].VectorID(), written[1].VectorID()}, ids)
}

func TestCreateFactsSupersedeVerdict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Seed the old fact.
	seed := NewService(f.store, f.vectors, f.gateway, nil)
	old, err := seed.CreateFacts(ctx, 1, 10, 20, []llm.CandidateFact{
		{Subject: "user", Predicate: "has_role", Object: "junior engineer"},
	}, ref)
	require.NoError(t, err)
	require.Len(t, old, 1)

	judge := &scriptedJudge{verdicts: map[string]llm.Verdict{
		"senior engineer": {Decision: llm.DecisionSupersede, TargetFactID: old[0].ID},
	}}
	svc := NewService(f.store, f.vectors, f.gateway, judge)

	written, err := svc.CreateFacts(ctx, 1, 11, 21, []llm.CandidateFact{
		{Subject: "user", Predicate: "has_role", Object: "senior engineer"},
	}, ref.AddDate(1, 0, 0))
	require.NoError(t, err)
	require.Len(t, written, 1)

	// Old fact is closed, new one is current.
	oldRow, err := f.store.GetFact(ctx, 1, old[0].ID)
	require.NoError(t, err)
	assert.True(t, oldRow.IsSuperseded)
	assert.NotNil(t, oldRow.ValidUntil)
	assert.False(t, oldRow.Current())

	newRow, err := f.store.GetFact(ctx, 1, written[0].ID)
	require.NoError(t, err)
	assert.True(t, newRow.Current())
}

func TestCreateFactsDuplicateDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	judge := &scriptedJudge{verdicts: map[string]llm.Verdict{
		"Lisbon": {Decision: llm.DecisionDuplicate, TargetFactID: 999},
	}}
	svc := NewService(f.store, f.vectors, f.gateway, judge)

	written, err := svc.CreateFacts(ctx, 1, 10, 20, []llm.CandidateFact{
		{Subject: "user", Predicate: "visited", Object: "Lisbon"},
		{Subject: "user", Predicate: "visited", Object: "Porto"},
	}, ref)
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, "Porto", written[0].Object)
}

func TestSingleValueGuard(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, f.vectors, f.gateway, nil) // judge always NEW
	ctx := context.Background()

	first, err := svc.CreateFacts(ctx, 1, 10, 20, []llm.CandidateFact{
		{Subject: "user", Predicate: "lives_in", Object: "Porto", ValidFrom: "2022-01-01"},
	}, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Judge says NEW, but lives_in admits one current value: the guard
	// closes the old fact anyway.
	second, err := svc.CreateFacts(ctx, 1, 11, 21, []llm.CandidateFact{
		{Subject: "user", Predicate: "lives_in", Object: "Lisbon", ValidFrom: "2024-05-01"},
	}, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, second, 1)

	current, err := f.store.ListCurrentFactsBySubjectPredicate(ctx, f.store.DB(), 1, "user", "lives_in")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "Lisbon", current[0].Object)

	oldRow, err := f.store.GetFact(ctx, 1, first[0].ID)
	require.NoError(t, err)
	assert.True(t, oldRow.IsSuperseded)
}

func TestCreateFactsIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, f.vectors, f.gateway, nil)
	ctx := context.Background()
	ref := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	candidates := []llm.CandidateFact{
		{Subject: "user", Predicate: "has_pet", Object: "a cat", ValidFrom: "2024-02-01"},
	}

	first, err := svc.CreateFacts(ctx, 1, 10, 20, candidates, ref)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A re-delivered task replays the same candidates; nothing new is
	// written or indexed.
	replay, err := svc.CreateFacts(ctx, 1, 10, 20, candidates, ref)
	require.NoError(t, err)
	assert.Empty(t, replay)

	ids, err := f.vectors.ListIDs(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestDeleteFactsForMemory(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, f.vectors, f.gateway, nil)
	ctx := context.Background()
	ref := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	written, err := svc.CreateFacts(ctx, 1, 10, 20, []llm.CandidateFact{
		{Subject: "user", Predicate: "visited", Object: "Madrid"},
		{Subject: "user", Predicate: "visited", Object: "Rome"},
	}, ref)
	require.NoError(t, err)
	require.Len(t, written, 2)

	require.NoError(t, svc.DeleteFactsForMemory(ctx, 1, 10))

	ids, err := f.vectors.ListIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)

	rows, err := f.store.ListFactIDsByMemory(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestParseFlexibleDate(t *testing.T) {
	got, err := parseFlexibleDate("2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseFlexibleDate("2024-05-01T10:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Hour())

	_, err = parseFlexibleDate("last tuesday")
	assert.Error(t, err)
}
