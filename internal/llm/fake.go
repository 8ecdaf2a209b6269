package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"brainvault/internal/types"
)

// Test doubles shared by this package's tests and the pipeline tests that
// sit on top of the gateway.

// FakeChatProvider answers with a caller-supplied function.
type FakeChatProvider struct {
	ProviderName string
	Respond      func(req ChatRequest) (*ChatResponse, error)

	mu    sync.Mutex
	calls []ChatRequest
}

func (f *FakeChatProvider) Name() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

func (f *FakeChatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.Respond(req)
}

// Calls returns the requests seen so far.
func (f *FakeChatProvider) Calls() []ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChatRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

// FakeEmbedder produces deterministic unit vectors derived from the text,
// so identical texts embed identically and similar runs are reproducible.
type FakeEmbedder struct {
	Dimension int
}

func (f *FakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	dim := f.Dimension
	if dim <= 0 {
		dim = 8
	}

	vectors := make([][]float32, len(texts))
	tokens := 0
	for i, text := range texts {
		vectors[i] = hashVector(text, dim)
		tokens += len(text) / 4
	}
	return vectors, tokens, nil
}

func hashVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	var norm float64
	for i := 0; i < dim; i++ {
		seed := binary.BigEndian.Uint32(sum[(i*4)%28:])
		v := float64(seed%2000)/1000.0 - 1.0
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// MemorySink accumulates usage records in memory.
type MemorySink struct {
	mu      sync.Mutex
	Records []*types.UsageRecord
}

func (m *MemorySink) RecordUsage(ctx context.Context, rec *types.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, rec)
	return nil
}

// TotalTokens sums in+out tokens across all records.
func (m *MemorySink) TotalTokens() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, r := range m.Records {
		total += int64(r.TokensIn + r.TokensOut)
	}
	return total
}

// StaticBudget reports a fixed token consumption and personal limit for
// every user.
type StaticBudget struct {
	Used  int64
	Limit int64
}

func (s *StaticBudget) TokensUsedSince(ctx context.Context, userID int64, since time.Time) (int64, error) {
	return s.Used, nil
}

func (s *StaticBudget) DailyTokenLimit(ctx context.Context, userID int64) (int64, error) {
	return s.Limit, nil
}
