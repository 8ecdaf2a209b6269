package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used in tests and single-node local
// runs. Behavior mirrors the Qdrant implementation: cosine similarity,
// conjunctive exact-match filters, idempotent upserts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory index.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (ms *MemoryStore) Init(ctx context.Context) error {
	return nil
}

func (ms *MemoryStore) Upsert(ctx context.Context, records []Record) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, r := range records {
		values := make([]float32, len(r.Values))
		copy(values, r.Values)
		meta := make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		ms.records[r.ID] = Record{ID: r.ID, Values: values, Metadata: meta}
	}
	return nil
}

func (ms *MemoryStore) Query(ctx context.Context, vec []float32, k int, filter Filter, includeValues bool) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	matches := make([]Match, 0, len(ms.records))
	for _, r := range ms.records {
		if !matchesFilter(r.Metadata, filter) {
			continue
		}
		m := Match{
			ID:       r.ID,
			Score:    CosineSimilarity(vec, r.Values),
			Metadata: r.Metadata,
		}
		if includeValues {
			m.Values = r.Values
		}
		matches = append(matches, m)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (ms *MemoryStore) Delete(ctx context.Context, ids []string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, id := range ids {
		delete(ms.records, id)
	}
	return nil
}

func (ms *MemoryStore) DeleteByFilter(ctx context.Context, filter Filter) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for id, r := range ms.records {
		if matchesFilter(r.Metadata, filter) {
			delete(ms.records, id)
		}
	}
	return nil
}

func (ms *MemoryStore) ListIDs(ctx context.Context, filter Filter) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var ids []string
	for id, r := range ms.records {
		if matchesFilter(r.Metadata, filter) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (ms *MemoryStore) Close() error {
	return nil
}

// Len reports the number of stored records.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.records)
}

func matchesFilter(meta map[string]interface{}, filter Filter) bool {
	for key, want := range filter {
		got, ok := meta[key]
		if !ok {
			return false
		}
		if wantSlice, ok := want.([]string); ok {
			if !anyEqual(got, wantSlice) {
				return false
			}
			continue
		}
		if !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

func anyEqual(got interface{}, want []string) bool {
	for _, w := range want {
		if scalarEqual(got, w) {
			return true
		}
	}
	return false
}

// scalarEqual compares metadata values across the int widths that show up
// after round-trips.
func scalarEqual(got, want interface{}) bool {
	if gi, ok := toInt64(got); ok {
		if wi, ok := toInt64(want); ok {
			return gi == wi
		}
	}
	return got == want
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
