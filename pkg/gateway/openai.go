package gateway

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	GenModel       string
	EmbeddingModel string
}

// OpenAIBackend talks to any OpenAI-compatible chat/embeddings API.
type OpenAIBackend struct {
	client openai.Client
	config OpenAIConfig
}

// NewOpenAIBackend creates a backend for an OpenAI-compatible service.
func NewOpenAIBackend(config OpenAIConfig) (*OpenAIBackend, error) {
	if config.GenModel == "" && config.EmbeddingModel == "" {
		return nil, fmt.Errorf("at least one of gen or embedding model must be set")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAIBackend{
		client: openai.NewClient(opts...),
		config: config,
	}, nil
}

// Embed generates an embedding for the text.
func (b *OpenAIBackend) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, domain.E(domain.KindInvalidInput, "empty text")
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(b.config.EmbeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
	}

	embedding, err := b.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classifyAPIError(ctx, err)
	}
	if len(embedding.Data) == 0 {
		return nil, domain.E(domain.KindBackendUnavailable, "no embedding data returned")
	}

	vec := make([]float64, len(embedding.Data[0].Embedding))
	for i, v := range embedding.Data[0].Embedding {
		vec[i] = float64(v)
	}
	return vec, nil
}

// Generate produces a completion for the prompt.
func (b *OpenAIBackend) Generate(ctx context.Context, prompt string, opts *domain.GenerationOptions) (string, error) {
	params, err := b.chatParams(prompt, opts)
	if err != nil {
		return "", err
	}

	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyAPIError(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return "", domain.E(domain.KindBackendUnavailable, "no choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}

// Stream produces a completion incrementally through the callback.
func (b *OpenAIBackend) Stream(ctx context.Context, prompt string, opts *domain.GenerationOptions, callback func(string)) error {
	params, err := b.chatParams(prompt, opts)
	if err != nil {
		return err
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			callback(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return classifyAPIError(ctx, err)
	}
	return nil
}

func (b *OpenAIBackend) chatParams(prompt string, opts *domain.GenerationOptions) (openai.ChatCompletionNewParams, error) {
	if prompt == "" {
		return openai.ChatCompletionNewParams{}, domain.E(domain.KindInvalidInput, "empty prompt")
	}

	model := b.config.GenModel
	var messages []openai.ChatCompletionMessageParamUnion
	if opts != nil {
		if opts.Model != "" {
			model = opts.Model
		}
		if opts.System != "" {
			messages = append(messages, openai.SystemMessage(opts.System))
		}
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if opts != nil {
		if opts.Temperature > 0 {
			params.Temperature = openai.Float(opts.Temperature)
		}
		if opts.MaxTokens > 0 {
			params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
		}
		if len(opts.Stop) > 0 {
			params.Stop = openai.ChatCompletionNewParamsStopUnion{
				OfStringArray: opts.Stop,
			}
		}
	}
	return params, nil
}

// classifyAPIError maps SDK/API errors to the platform taxonomy.
func classifyAPIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Wrap(domain.KindTimeout, "backend call timed out", err)
		}
		return domain.Wrap(domain.KindCancelled, "backend call cancelled", err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return domain.Wrap(domain.KindOverloaded, "backend overloaded", err)
		case apiErr.StatusCode == 400 || apiErr.StatusCode == 413:
			return domain.Wrap(domain.KindInvalidInput, "backend rejected request", err)
		case apiErr.StatusCode >= 500:
			return domain.Wrap(domain.KindBackendUnavailable, "backend error", err)
		}
	}
	return domain.Wrap(domain.KindBackendUnavailable, "backend unreachable", err)
}
