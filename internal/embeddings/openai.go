package embeddings

import (
	"context"
	"fmt"
	"time"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAIProvider generates embeddings through any OpenAI-compatible API.
type openAIProvider struct {
	embedder *lcembeddings.EmbedderImpl
	model    string
	redactor Redactor
	metrics  *Metrics
}

func newOpenAIProvider(cfg Config, redactor Redactor, metrics *Metrics) (*openAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	llm, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &openAIProvider{
		embedder: embedder,
		model:    cfg.Model,
		redactor: redactor,
		metrics:  metrics,
	}, nil
}

// Embed generates embeddings for the given texts. Text is redacted before
// it is sent over the wire; vectors therefore describe the redacted form,
// which is consistent across runs because redaction is deterministic.
func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	outbound := texts
	if p.redactor != nil {
		outbound = make([]string, len(texts))
		for i, text := range texts {
			outbound[i] = p.redactor.Redact(text)
		}
	}

	start := time.Now()
	vectors, err := p.embedder.EmbedDocuments(ctx, outbound)
	p.metrics.RecordGeneration(ctx, p.model, "batch_embed", time.Since(start), len(texts), err)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	return vectors, nil
}

// Model returns the configured embedding model name.
func (p *openAIProvider) Model() string {
	return p.model
}

// Close is a no-op; the provider holds no resources beyond an HTTP client.
func (p *openAIProvider) Close() error {
	return nil
}
