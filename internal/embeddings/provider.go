// Package embeddings provides embedding generation via multiple providers.
//
// Two backends are supported: "openai" talks to any OpenAI-compatible
// embeddings API through langchaingo (including self-hosted TEI servers),
// and "local" runs ONNX models in process through fastembed. A missing
// provider is not an error for the detection pipeline, which degrades to
// lexical-only scoring, so NewProvider distinguishes "not configured"
// from "misconfigured".
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured indicates no embedding provider is configured;
	// callers degrade to token-only scoring.
	ErrNotConfigured = errors.New("embedding provider not configured")

	// ErrInvalidConfig indicates an invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")

	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrEmbeddingFailed indicates the backend failed to produce vectors.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates embedding vectors for batches of text.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model identifies the model producing the vectors. Cached vectors
	// are only reused when this matches the model they were made with.
	Model() string
	// Close releases resources held by the provider.
	Close() error
}

// Redactor removes sensitive spans from text before it leaves the process.
type Redactor interface {
	Redact(text string) string
}

// Config selects and configures an embedding provider.
type Config struct {
	// Provider is "openai", "local", or "" / "none" for disabled.
	Provider string
	// Model is the embedding model name.
	Model string
	// BaseURL overrides the API endpoint (openai provider only).
	BaseURL string
	// APIKey authenticates against the API (openai provider only).
	APIKey string
	// CacheDir is where the local provider stores downloaded models.
	CacheDir string
}

// NewProvider creates an embedding provider from cfg. The redactor, which
// may be nil, is applied to outbound text by providers that leave the
// process. Returns ErrNotConfigured when the configuration disables
// embeddings or lacks the credentials to use them.
func NewProvider(cfg Config, redactor Redactor, metrics *Metrics) (Provider, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, ErrNotConfigured
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: openai api key missing", ErrNotConfigured)
		}
		return newOpenAIProvider(cfg, redactor, metrics)
	case "local":
		return newLocalProvider(cfg, metrics)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// EmbedOne embeds a single text through p.
func EmbedOne(ctx context.Context, p Provider, text string) ([]float32, error) {
	vectors, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: got %d vectors for one text", ErrEmbeddingFailed, len(vectors))
	}
	return vectors[0], nil
}
