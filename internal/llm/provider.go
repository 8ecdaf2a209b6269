// Package llm is the single chokepoint for model providers: embeddings,
// generation, enrichment, fact extraction, and judging all go through the
// Gateway, which meters tokens and enforces the daily budget.
package llm

import (
	"context"
	"time"

	"brainvault/internal/types"
)

// Provider names used for request routing and usage records.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ChatRequest is a single-turn generation request.
type ChatRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// ChatResponse carries the generation plus the provider's token accounting.
type ChatResponse struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
}

// ChatProvider is one upstream model vendor.
type ChatProvider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// EmbeddingProvider turns texts into dense vectors.
type EmbeddingProvider interface {
	// EmbedBatch embeds texts in order. tokens is the provider's reported
	// input token count for the whole batch.
	EmbedBatch(ctx context.Context, texts []string) (vectors [][]float32, tokens int, err error)
}

// UsageSink receives one record per metered provider call.
type UsageSink interface {
	RecordUsage(ctx context.Context, rec *types.UsageRecord) error
}

// BudgetSource reports a user's token consumption and configured budget for
// the budget gate. DailyTokenLimit returns zero when the user has no
// personal budget, in which case the global limit applies.
type BudgetSource interface {
	TokensUsedSince(ctx context.Context, userID int64, since time.Time) (int64, error)
	DailyTokenLimit(ctx context.Context, userID int64) (int64, error)
}

// Enrichment is the per-chunk annotation produced by the gateway.
type Enrichment struct {
	Summary  string     `json:"summary"`
	QAs      []types.QA `json:"qas"`
	Entities []string   `json:"entities"`
}

// CandidateFact is one extracted triple before it is written.
type CandidateFact struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	ValidFrom  string  `json:"valid_from,omitempty"`
	Location   string  `json:"location,omitempty"`
}

// Decision is the judge's classification of a candidate against its
// neighbors.
type Decision string

const (
	DecisionNew       Decision = "NEW"
	DecisionDuplicate Decision = "DUPLICATE"
	DecisionSupersede Decision = "SUPERSEDE"
)

// Verdict is the judge's output. TargetFactID is set for DUPLICATE and
// SUPERSEDE and names an existing fact row.
type Verdict struct {
	Decision     Decision
	TargetFactID int64
}

// Judge classifies a candidate fact against its nearest existing facts.
type Judge interface {
	Judge(ctx context.Context, userID int64, candidate *types.Fact, neighbors []*types.Fact) (Verdict, error)
}

// IdentityJudge always answers NEW. Used in tests and as the fallback when
// no chat provider is configured.
type IdentityJudge struct{}

func (IdentityJudge) Judge(ctx context.Context, userID int64, candidate *types.Fact, neighbors []*types.Fact) (Verdict, error) {
	return Verdict{Decision: DecisionNew}, nil
}
