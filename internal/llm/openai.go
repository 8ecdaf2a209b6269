package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"brainvault/internal/apperrors"
)

// OpenAIProvider serves both chat and embeddings through the OpenAI API.
type OpenAIProvider struct {
	client         *openai.Client
	chatModel      string
	embeddingModel string
	dimension      int
}

// NewOpenAIProvider builds a provider for the given models.
func NewOpenAIProvider(apiKey, chatModel, embeddingModel string, dimension int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, apperrors.New(apperrors.CodeNoProvider, "openai api key is required")
	}
	return &OpenAIProvider{
		client:         openai.NewClient(apiKey),
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		dimension:      dimension,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return ProviderOpenAI
}

// Chat runs a single-turn completion.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.chatModel,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperrors.New(apperrors.CodeUpstreamError, "openai returned no choices")
	}

	return &ChatResponse{
		Content:   resp.Choices[0].Message.Content,
		Model:     resp.Model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}

// EmbedBatch embeds texts in order.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	if len(texts) == 0 {
		return nil, 0, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.embeddingModel),
		Dimensions: p.dimension,
	})
	if err != nil {
		return nil, 0, mapOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, 0, apperrors.Newf(apperrors.CodeUpstreamError,
			"openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, 0, apperrors.Newf(apperrors.CodeUpstreamError,
				"openai embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}

	return vectors, resp.Usage.PromptTokens, nil
}

func mapOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeUpstreamTimeout, "openai request timed out", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			return apperrors.Wrap(apperrors.CodeValidationError, "openai rejected request", err)
		}
		return apperrors.Wrap(apperrors.CodeUpstreamError, "openai request failed", err)
	}

	if strings.Contains(err.Error(), "context deadline exceeded") {
		return apperrors.Wrap(apperrors.CodeUpstreamTimeout, "openai request timed out", err)
	}
	return apperrors.Wrap(apperrors.CodeUpstreamError, "openai request failed", err)
}
