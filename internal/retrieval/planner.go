// Package retrieval plans multi-view searches over the knowledge base:
// diversified chunk similarity, current-truth facts, and time-ordered
// recall, plus an auto view that layers state over similarity.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"brainvault/internal/apperrors"
	"brainvault/internal/config"
	"brainvault/internal/llm"
	"brainvault/internal/logging"
	"brainvault/internal/store"
	"brainvault/internal/types"
	"brainvault/internal/vector"
)

// View selects a retrieval strategy.
type View string

const (
	ViewSemantic View = "semantic"
	ViewState    View = "state"
	ViewEpisodic View = "episodic"
	ViewAuto     View = "auto"
)

// autoStateK is how many state results lead the auto view before the
// semantic list.
const autoStateK = 3

// Result is one retrieval hit, already scored and formatted for its view.
type Result struct {
	Text     string    `json:"text"`
	Score    float64   `json:"score"`
	View     View      `json:"view"`
	MemoryID int64     `json:"memory_id,omitempty"`
	ChunkID  int64     `json:"chunk_id,omitempty"`
	FactID   int64     `json:"fact_id,omitempty"`
	Created  time.Time `json:"created_at,omitempty"`
}

// Planner answers search requests against the vector and relational stores.
type Planner struct {
	store   *store.Store
	vectors vector.Store
	gateway *llm.Gateway
	cfg     *config.RetrievalConfig
	logger  logging.Logger

	// now is swapped in tests to pin recency scoring.
	now func() time.Time
}

// NewPlanner wires the retrieval planner.
func NewPlanner(st *store.Store, vectors vector.Store, gateway *llm.Gateway, cfg *config.RetrievalConfig) *Planner {
	return &Planner{
		store:   st,
		vectors: vectors,
		gateway: gateway,
		cfg:     cfg,
		logger:  logging.WithComponent("retrieval"),
		now:     time.Now,
	}
}

// Search dispatches the query to the requested view. The auto view runs
// state first (k=3) and appends the semantic list: established truth
// outranks raw similarity.
func (p *Planner) Search(ctx context.Context, userID int64, query string, topK int, view View) ([]Result, error) {
	if query == "" {
		return nil, apperrors.New(apperrors.CodeValidationError, "query cannot be empty")
	}
	if topK <= 0 {
		topK = 10
	}

	switch view {
	case ViewSemantic:
		return p.searchSemantic(ctx, userID, query, topK)
	case ViewState:
		return p.searchState(ctx, userID, query, topK)
	case ViewEpisodic:
		return p.searchEpisodic(ctx, userID, query, topK)
	case ViewAuto, "":
		state, err := p.searchState(ctx, userID, query, autoStateK)
		if err != nil {
			return nil, err
		}
		semantic, err := p.searchSemantic(ctx, userID, query, topK)
		if err != nil {
			return nil, err
		}
		return append(state, semantic...), nil
	default:
		return nil, apperrors.Newf(apperrors.CodeValidationError, "unknown view %q", view)
	}
}

// searchSemantic finds diverse chunks: over-fetch, MMR-diversify, hydrate
// with the parent memory, then re-rank by feedback, trust, and recency.
func (p *Planner) searchSemantic(ctx context.Context, userID int64, query string, topK int) ([]Result, error) {
	queryVec, err := p.gateway.Embed(ctx, userID, query)
	if err != nil {
		return nil, err
	}

	fetchK := topK * p.cfg.FetchMultiplier
	candidates, err := p.vectors.Query(ctx, queryVec, fetchK, vector.Filter{
		vector.MetaUserID: userID,
		vector.MetaType:   string(types.VectorTypeChunk),
	}, true)
	if err != nil {
		return nil, err
	}

	selected := mmrSelect(candidates, topK, p.cfg.MMRLambda, p.cfg.JaccardCutoff)
	if len(selected) == 0 {
		return nil, nil
	}

	embeddingIDs := make([]string, len(selected))
	baseScores := make(map[string]float64, len(selected))
	for i, m := range selected {
		embeddingIDs[i] = m.ID
		baseScores[m.ID] = m.Score
	}

	chunks, err := p.store.ListChunksByEmbeddingIDs(ctx, embeddingIDs)
	if err != nil {
		return nil, err
	}

	memoryIDs := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		memoryIDs = append(memoryIDs, c.MemoryID)
	}
	memories, err := p.store.ListMemoriesByIDs(ctx, userID, memoryIDs)
	if err != nil {
		return nil, err
	}

	now := p.now()
	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		m, ok := memories[c.MemoryID]
		if !ok {
			continue
		}
		base := baseScores[c.EmbeddingID]
		ageDays := now.Sub(m.CreatedAt).Hours() / 24
		if ageDays < 1 {
			ageDays = 1
		}
		recency := 1 + p.cfg.RecencyBoostWeight/ageDays
		score := base * (1 + c.FeedbackScore) * (0.5 + c.TrustScore) * recency

		results = append(results, Result{
			Text:     c.Text,
			Score:    score,
			View:     ViewSemantic,
			MemoryID: m.ID,
			ChunkID:  c.ID,
			Created:  m.CreatedAt,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// searchState returns the user's current truth: facts still valid, scored
// by confidence, vector rank, and recency, with near-identical restatements
// passively superseded.
func (p *Planner) searchState(ctx context.Context, userID int64, query string, topK int) ([]Result, error) {
	queryVec, err := p.gateway.Embed(ctx, userID, query)
	if err != nil {
		return nil, err
	}

	matches, err := p.vectors.Query(ctx, queryVec, topK*p.cfg.StateFetchMult, vector.Filter{
		vector.MetaUserID: userID,
		vector.MetaType:   string(types.VectorTypeFact),
	}, false)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ranks := make(map[int64]int, len(matches))
	ids := make([]int64, 0, len(matches))
	for rank, m := range matches {
		id, ok := factIDFromMatch(m)
		if !ok {
			continue
		}
		if _, seen := ranks[id]; !seen {
			ranks[id] = rank
			ids = append(ids, id)
		}
	}

	rows, err := p.store.ListFactsByIDs(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	now := p.now()
	type scored struct {
		fact  *types.Fact
		score float64
	}
	list := make([]scored, 0, len(rows))
	for _, f := range rows {
		if !f.Current() {
			continue
		}
		score := f.Confidence
		if bonus := 2.0 - float64(ranks[f.ID])*0.1; bonus > 0 {
			score += bonus
		}
		score += p.recencyBonus(now.Sub(f.ValidFrom))
		list = append(list, scored{fact: f, score: score})
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		if !list[i].fact.ValidFrom.Equal(list[j].fact.ValidFrom) {
			return list[i].fact.ValidFrom.After(list[j].fact.ValidFrom)
		}
		return list[i].fact.ID > list[j].fact.ID
	})

	// Passive cleanup: a later item restating an earlier one with the same
	// valid_from is redundant. It is dropped from the result and superseded
	// in the background.
	type seenEntry struct {
		triple    string
		validFrom time.Time
	}
	var seen []seenEntry
	var redundant []int64
	results := make([]Result, 0, topK)

	for _, item := range list {
		f := item.fact
		triple := normalizeTriple(f.Text())
		dup := false
		for _, prior := range seen {
			if prior.validFrom.Equal(f.ValidFrom) && charRatio(triple, prior.triple) > p.cfg.CleanupRatio {
				dup = true
				break
			}
		}
		if dup {
			redundant = append(redundant, f.ID)
			continue
		}
		seen = append(seen, seenEntry{triple: triple, validFrom: f.ValidFrom})

		if len(results) < topK {
			results = append(results, Result{
				Text:    fmt.Sprintf("[%s] %s", f.ValidFrom.Local().Format("2006-01-02"), f.Text()),
				Score:   item.score,
				View:    ViewState,
				FactID:  f.ID,
				Created: f.ValidFrom,
			})
		}
	}

	if len(redundant) > 0 {
		p.supersedeAsync(userID, redundant)
	}
	return results, nil
}

// supersedeAsync marks redundant facts superseded without delaying the
// response. Failures are logged; the next search retries the same cleanup.
func (p *Planner) supersedeAsync(userID int64, ids []int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		now := time.Now().UTC()
		for _, id := range ids {
			if err := p.store.SupersedeFact(ctx, userID, id, now); err != nil {
				p.logger.Warn("passive fact cleanup failed", "fact_id", id, "error", err)
			}
		}
	}()
}

func (p *Planner) recencyBonus(age time.Duration) float64 {
	days := age.Hours() / 24
	switch {
	case days < 30:
		return p.cfg.RecencyBonus30d
	case days < 90:
		return p.cfg.RecencyBonus90d
	case days < 365:
		return p.cfg.RecencyBonus365d
	default:
		return 0
	}
}

// searchEpisodic recalls memories by literal content, newest first.
func (p *Planner) searchEpisodic(ctx context.Context, userID int64, query string, topK int) ([]Result, error) {
	memories, err := p.store.SearchMemoriesBySubstring(ctx, userID, query, topK)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(memories))
	for _, m := range memories {
		results = append(results, Result{
			Text:     m.Content,
			Score:    1.0,
			View:     ViewEpisodic,
			MemoryID: m.ID,
			Created:  m.CreatedAt,
		})
	}
	return results, nil
}

func factIDFromMatch(m vector.Match) (int64, bool) {
	if m.Metadata != nil {
		switch v := m.Metadata[vector.MetaFactID].(type) {
		case int64:
			return v, true
		case int:
			return int64(v), true
		case float64:
			return int64(v), true
		case string:
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				return id, true
			}
		}
	}
	var id int64
	if _, err := fmt.Sscanf(m.ID, "fact_%d", &id); err == nil {
		return id, true
	}
	return 0, false
}
