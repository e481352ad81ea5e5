package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIDriver embeds text through the OpenAI embeddings endpoint, riding
// the same client library as the chat layer.
type OpenAIDriver struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// OpenAIOption adjusts the underlying client configuration.
type OpenAIOption func(*openai.ClientConfig)

// WithOpenAIBaseURL points the driver at an OpenAI-compatible endpoint.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openai.ClientConfig) { c.BaseURL = url }
}

// NewOpenAIDriver builds a driver for the given model, for example
// text-embedding-3-small.
func NewOpenAIDriver(apiKey, model string, opts ...OpenAIOption) *OpenAIDriver {
	cfg := openai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OpenAIDriver{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.EmbeddingModel(model),
	}
}

func (d *OpenAIDriver) Kind() string { return "openai" }

// Embed returns one vector per input text, positioned by the response index.
func (d *OpenAIDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := d.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: d.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	out := make([][]float64, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			continue
		}
		vec := make([]float64, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float64(v)
		}
		out[item.Index] = vec
	}
	return out, nil
}
