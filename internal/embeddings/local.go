//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	fastembed "github.com/anush008/fastembed-go"
)

// localProvider runs ONNX embedding models in process via fastembed.
// Nothing leaves the host, so no redaction is applied.
type localProvider struct {
	model     *fastembed.FlagEmbedding
	modelName string
	dimension int
	metrics   *Metrics
	mu        sync.RWMutex
}

// localModels maps friendly model names to fastembed constants.
var localModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
	"fast-bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"fast-bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"fast-all-MiniLM-L6-v2":                  fastembed.AllMiniLML6V2,
}

var localModelDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGEBaseENV15:  768,
	fastembed.AllMiniLML6V2: 384,
}

const defaultLocalModel = "BAAI/bge-small-en-v1.5"

func newLocalProvider(cfg Config, metrics *Metrics) (*localProvider, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultLocalModel
	}
	model, ok := localModels[modelName]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported local model %q", ErrInvalidConfig, modelName)
	}

	libPath, err := EnsureONNXRuntime(context.Background())
	if err != nil {
		return nil, fmt.Errorf("preparing onnx runtime: %w", err)
	}
	if err := os.Setenv("ONNX_PATH", libPath); err != nil {
		return nil, fmt.Errorf("setting ONNX_PATH: %w", err)
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cacheDir = filepath.Join(home, ".cache", "taskwise", "models")
	}

	showProgress := false
	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            512,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing fastembed: %w", err)
	}

	return &localProvider{
		model:     flagEmbed,
		modelName: modelName,
		dimension: localModelDimensions[model],
		metrics:   metrics,
	}, nil
}

// Embed generates embeddings for the given texts.
func (p *localProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	start := time.Now()
	vectors, err := p.model.PassageEmbed(texts, 256)
	p.metrics.RecordGeneration(ctx, p.modelName, "batch_embed", time.Since(start), len(texts), err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// Model returns the configured embedding model name.
func (p *localProvider) Model() string {
	return p.modelName
}

// Dimension returns the embedding dimension for the loaded model.
func (p *localProvider) Dimension() int {
	return p.dimension
}

// Close releases the ONNX session.
func (p *localProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return p.model.Destroy()
	}
	return nil
}
