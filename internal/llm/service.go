package llm

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"brainvault/internal/apperrors"
	"brainvault/internal/config"
	"brainvault/internal/logging"
	"brainvault/internal/types"
)

// costPer1M is the provider price table in dollars per million tokens.
type costPer1M struct {
	in  float64
	out float64
}

var modelCosts = map[string]costPer1M{
	"gpt-4o-mini":             {in: 0.15, out: 0.60},
	"text-embedding-3-small":  {in: 0.02, out: 0},
	"claude-3-5-haiku-latest": {in: 0.80, out: 4.00},
}

func estimateCost(model string, tokensIn, tokensOut int) float64 {
	c, ok := modelCosts[model]
	if !ok {
		return 0
	}
	return (float64(tokensIn)*c.in + float64(tokensOut)*c.out) / 1_000_000
}

// Gateway fronts all model providers. Generation calls are gated by the
// per-user 24-hour token budget before dispatch; embeddings are metered but
// not gated. A process-global semaphore bounds provider concurrency.
type Gateway struct {
	chat     []ChatProvider
	embedder EmbeddingProvider
	sink     UsageSink
	budget   BudgetSource
	sem      *semaphore.Weighted
	cfg      *config.LLMConfig
	logger   logging.Logger
}

// NewGateway wires providers in fallback order. Either provider list may be
// empty; calls that need a missing capability fail with NoProvider.
func NewGateway(cfg *config.LLMConfig, chat []ChatProvider, embedder EmbeddingProvider, sink UsageSink, budget BudgetSource) *Gateway {
	width := cfg.MaxConcurrency
	if width <= 0 {
		width = 10
	}
	return &Gateway{
		chat:     chat,
		embedder: embedder,
		sink:     sink,
		budget:   budget,
		sem:      semaphore.NewWeighted(int64(width)),
		cfg:      cfg,
		logger:   logging.WithComponent("llm"),
	}
}

func (g *Gateway) acquire(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "cancelled waiting for provider slot", err)
	}
	return func() { g.sem.Release(1) }, nil
}

// checkBudget rejects generation when the user's trailing-24h token use has
// reached the limit. A personal budget in the user's settings overrides the
// global limit; a zero effective limit disables the gate.
func (g *Gateway) checkBudget(ctx context.Context, userID int64) error {
	limit := g.cfg.MaxDailyTokens
	if userID > 0 {
		personal, err := g.budget.DailyTokenLimit(ctx, userID)
		if err != nil {
			return err
		}
		if personal > 0 {
			limit = personal
		}
	}
	if limit <= 0 {
		return nil
	}
	used, err := g.budget.TokensUsedSince(ctx, userID, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if used >= limit {
		return apperrors.NewBudgetExceeded(userID, limit)
	}
	return nil
}

func (g *Gateway) record(ctx context.Context, userID int64, provider, model string, tokensIn, tokensOut int) {
	rec := &types.UsageRecord{
		UserID:        userID,
		Provider:      provider,
		Model:         model,
		TokensIn:      tokensIn,
		TokensOut:     tokensOut,
		EstimatedCost: estimateCost(model, tokensIn, tokensOut),
	}
	if err := g.sink.RecordUsage(ctx, rec); err != nil {
		g.logger.ErrorContext(ctx, "failed to record usage", "error", err, "user_id", userID)
	}
}

// Embed returns the embedding for a single text.
func (g *Gateway) Embed(ctx context.Context, userID int64, text string) ([]float32, error) {
	vectors, err := g.EmbedBatch(ctx, userID, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in order. Oversized texts are truncated to the
// configured embedding content cap.
func (g *Gateway) EmbedBatch(ctx context.Context, userID int64, texts []string) ([][]float32, error) {
	if g.embedder == nil {
		return nil, apperrors.New(apperrors.CodeNoProvider, "no embedding provider configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.RequestTimeout)*time.Second)
	defer cancel()

	vectors, tokens, err := g.embedder.EmbedBatch(callCtx, texts)
	if err != nil {
		return nil, err
	}
	g.record(ctx, userID, ProviderOpenAI, g.cfg.EmbeddingModel, tokens, 0)
	return vectors, nil
}

// Generate runs a single-turn completion. An empty provider name uses the
// declared fallback order; a named provider is tried first, then the rest.
func (g *Gateway) Generate(ctx context.Context, userID int64, provider, system, prompt string) (string, error) {
	resp, err := g.generate(ctx, userID, provider, system, prompt)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (g *Gateway) generate(ctx context.Context, userID int64, provider, system, prompt string) (*ChatResponse, error) {
	if len(g.chat) == 0 {
		return nil, apperrors.New(apperrors.CodeNoProvider, "no chat provider configured")
	}
	if err := g.checkBudget(ctx, userID); err != nil {
		return nil, err
	}

	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	req := ChatRequest{
		System:      system,
		Prompt:      prompt,
		Temperature: float32(g.cfg.Temperature),
	}

	var lastErr error
	for _, p := range orderProviders(g.chat, provider) {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.RequestTimeout)*time.Second)
		resp, err := p.Chat(callCtx, req)
		cancel()
		if err != nil {
			lastErr = err
			g.logger.WarnContext(ctx, "chat provider failed, trying next",
				"provider", p.Name(), "error", err)
			continue
		}
		g.record(ctx, userID, p.Name(), resp.Model, resp.TokensIn, resp.TokensOut)
		return resp, nil
	}
	return nil, lastErr
}

// orderProviders moves the preferred provider to the front, keeping the
// fallback order for the rest.
func orderProviders(providers []ChatProvider, preferred string) []ChatProvider {
	if preferred == "" {
		return providers
	}
	ordered := make([]ChatProvider, 0, len(providers))
	for _, p := range providers {
		if p.Name() == preferred {
			ordered = append(ordered, p)
		}
	}
	for _, p := range providers {
		if p.Name() != preferred {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// Enrich produces a chunk's summary, Q&A pairs, and entity list.
func (g *Gateway) Enrich(ctx context.Context, userID int64, text string) (*Enrichment, error) {
	resp, err := g.generate(ctx, userID, "", enrichSystemPrompt, enrichPrompt(text))
	if err != nil {
		return nil, err
	}

	var out Enrichment
	if err := decodeJSONResponse(resp.Content, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamError, "unparseable enrichment response", err)
	}
	return &out, nil
}

// ExtractFacts pulls candidate triples from a chunk, resolving relative
// dates against referenceDate.
func (g *Gateway) ExtractFacts(ctx context.Context, userID int64, text string, referenceDate time.Time) ([]CandidateFact, error) {
	resp, err := g.generate(ctx, userID, "", extractSystemPrompt, extractFactsPrompt(text, referenceDate))
	if err != nil {
		return nil, err
	}

	var out struct {
		Facts []CandidateFact `json:"facts"`
	}
	if err := decodeJSONResponse(resp.Content, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamError, "unparseable fact extraction response", err)
	}
	return out.Facts, nil
}

// SuggestTags asks for up to 5 short tags for a memory.
func (g *Gateway) SuggestTags(ctx context.Context, userID int64, title, content string) ([]string, error) {
	resp, err := g.generate(ctx, userID, "", "", metadataTagsPrompt(title, content))
	if err != nil {
		return nil, err
	}

	var out struct {
		Tags []string `json:"tags"`
	}
	if err := decodeJSONResponse(resp.Content, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamError, "unparseable tag response", err)
	}
	if len(out.Tags) > 5 {
		out.Tags = out.Tags[:5]
	}
	return out.Tags, nil
}
