// Package ranking scores completion snippets against candidates using a
// hybrid of lexical token overlap and embedding cosine similarity. When no
// embedding provider is available the ranker degrades to token-only scoring
// for the whole run; the rest of the pipeline only sees scores.
package ranking

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/trbojevicstefan/taskwise/internal/candidate"
	"github.com/trbojevicstefan/taskwise/internal/embeddings"
	"github.com/trbojevicstefan/taskwise/internal/transcript"
)

const (
	defaultEmbeddingWeight = 0.75

	defaultBatchSize = 40
)

// EmbeddingCache persists freshly computed vectors back onto standalone
// task records so later runs can skip the provider call.
type EmbeddingCache interface {
	SetEmbedding(ctx context.Context, taskID string, vector []float32, modelID string) error
}

// Ranked is one candidate scored against one text.
type Ranked struct {
	Candidate *candidate.Candidate
	Score     float64
}

// Ranking is one snippet's candidate list, sorted descending by score.
type Ranking struct {
	Snippet    transcript.Snippet
	Candidates []Ranked
}

// Top returns the best-scoring candidate entry.
func (r Ranking) Top() Ranked {
	return r.Candidates[0]
}

// Margin is the score gap between the best candidate and the runner-up.
// With a single candidate there is no runner-up and the margin is the top
// score itself.
func (r Ranking) Margin() float64 {
	if len(r.Candidates) < 2 {
		return r.Top().Score
	}
	return r.Candidates[0].Score - r.Candidates[1].Score
}

// Result is the outcome of one Rank call.
type Result struct {
	Rankings []Ranking

	// Batches counts embedding provider calls made during the run.
	Batches int

	// CacheHits counts candidates whose cached vector was reused.
	CacheHits int
	// EmbeddingsUsed is false when the run was scored token-only, either
	// because no provider is configured or because the provider failed.
	EmbeddingsUsed bool
}

// Config holds ranker tunables.
type Config struct {
	// BatchSize caps how many texts go to the provider per request.
	BatchSize int
	// EmbeddingWeight is the share of the blended score carried by cosine
	// similarity; token overlap carries the remainder. The 0.75 default is
	// a starting point, not a calibrated optimum.
	EmbeddingWeight float64
}

// Ranker computes hybrid similarity scores. The provider may be nil, in
// which case every run is token-only.
type Ranker struct {
	provider    embeddings.Provider
	cache       EmbeddingCache
	batch       int
	embedWeight float64
	logger      *zap.Logger
}

// NewRanker builds a ranker. provider and cache may both be nil.
func NewRanker(provider embeddings.Provider, cache EmbeddingCache, cfg Config, logger *zap.Logger) *Ranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	weight := cfg.EmbeddingWeight
	if weight <= 0 || weight > 1 {
		weight = defaultEmbeddingWeight
	}
	return &Ranker{provider: provider, cache: cache, batch: batch, embedWeight: weight, logger: logger}
}

// Rank scores every candidate against every snippet. Candidate vectors are
// reused from the per-task cache when the cached model matches the
// configured one; anything else is embedded in sequential batches and, for
// candidates backed by a standalone task, written back for the next run.
func (r *Ranker) Rank(ctx context.Context, snippets []transcript.Snippet, candidates []*candidate.Candidate) (Result, error) {
	candidateTokens := make([]tokenSet, len(candidates))
	for i, c := range candidates {
		candidateTokens[i] = newTokenSet(c.Text())
	}

	var result Result
	snippetVectors, err := r.embedRun(ctx, snippets, candidates, &result)
	if err != nil {
		return Result{}, err
	}

	rankings := make([]Ranking, 0, len(snippets))
	for si, snippet := range snippets {
		snippetTokens := newTokenSet(snippet.Text)
		ranked := make([]Ranked, 0, len(candidates))
		for ci, c := range candidates {
			score := r.hybridScore(snippetTokens, candidateTokens[ci], vectorFor(snippetVectors, si), c.Embedding, result.EmbeddingsUsed)
			ranked = append(ranked, Ranked{Candidate: c, Score: score})
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Score > ranked[j].Score
		})
		rankings = append(rankings, Ranking{Snippet: snippet, Candidates: ranked})
	}

	result.Rankings = rankings
	return result, nil
}

// ScoreText scores a single text against candidates, reusing vectors
// already attached to the candidates this run. Used by arbitration to
// resolve classifier evidence that references a stale candidate id.
func (r *Ranker) ScoreText(ctx context.Context, text string, candidates []*candidate.Candidate, useEmbeddings bool) []Ranked {
	tokens := newTokenSet(text)

	var vector []float32
	if useEmbeddings && r.provider != nil {
		var err error
		vector, err = embeddings.EmbedOne(ctx, r.provider, text)
		if err != nil {
			r.logger.Warn("embedding fallback text failed, scoring lexically", zap.Error(err))
			vector = nil
		}
	}

	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		score := r.hybridScore(tokens, newTokenSet(c.Text()), vector, c.Embedding, useEmbeddings)
		ranked = append(ranked, Ranked{Candidate: c, Score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// embedRun resolves vectors for all snippets and candidates, filling the
// run counters on result. Any provider failure degrades the entire run to
// token-only scoring; only context cancellation propagates as an error.
func (r *Ranker) embedRun(ctx context.Context, snippets []transcript.Snippet, candidates []*candidate.Candidate, result *Result) ([][]float32, error) {
	if r.provider == nil {
		return nil, nil
	}
	model := r.provider.Model()

	var (
		missingTexts   []string
		missingIndexes []int
	)
	for i, c := range candidates {
		if len(c.Embedding) > 0 && c.EmbeddingModel == model {
			result.CacheHits++
			continue
		}
		missingTexts = append(missingTexts, c.Text())
		missingIndexes = append(missingIndexes, i)
	}

	if len(missingTexts) > 0 {
		vectors, batches, err := r.embedBatches(ctx, missingTexts)
		result.Batches += batches
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("candidate embedding failed, degrading run to token-only scoring",
				zap.Int("texts", len(missingTexts)), zap.Error(err))
			return nil, nil
		}
		for bi, ci := range missingIndexes {
			c := candidates[ci]
			c.Embedding = vectors[bi]
			c.EmbeddingModel = model
			if c.CacheTaskID == "" || r.cache == nil {
				continue
			}
			if err := r.cache.SetEmbedding(ctx, c.CacheTaskID, vectors[bi], model); err != nil {
				// Cache misses only cost a recompute next run.
				r.logger.Warn("embedding cache write failed",
					zap.String("task_id", c.CacheTaskID), zap.Error(err))
			}
		}
	}

	snippetTexts := make([]string, len(snippets))
	for i, s := range snippets {
		snippetTexts[i] = s.Text
	}
	snippetVectors, batches, err := r.embedBatches(ctx, snippetTexts)
	result.Batches += batches
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("snippet embedding failed, degrading run to token-only scoring",
			zap.Int("texts", len(snippetTexts)), zap.Error(err))
		return nil, nil
	}

	result.EmbeddingsUsed = true
	return snippetVectors, nil
}

// embedBatches issues sequential provider calls of at most batch texts,
// returning the vectors and how many calls were made.
func (r *Ranker) embedBatches(ctx context.Context, texts []string) ([][]float32, int, error) {
	if len(texts) == 0 {
		return nil, 0, nil
	}
	calls := 0
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += r.batch {
		end := start + r.batch
		if end > len(texts) {
			end = len(texts)
		}
		calls++
		batch, err := r.provider.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, calls, err
		}
		if len(batch) != end-start {
			return nil, calls, fmt.Errorf("provider returned %d vectors for %d texts", len(batch), end-start)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, calls, nil
}

func vectorFor(vectors [][]float32, i int) []float32 {
	if i >= len(vectors) {
		return nil
	}
	return vectors[i]
}

// hybridScore blends cosine and token similarity when both sides carry a
// vector; otherwise the token score stands alone.
func (r *Ranker) hybridScore(a, b tokenSet, vecA, vecB []float32, embeddingsUsed bool) float64 {
	tokenScore := jaccard(a, b)
	if !embeddingsUsed || len(vecA) == 0 || len(vecB) == 0 {
		return tokenScore
	}
	return CosineSimilarity(vecA, vecB)*r.embedWeight + tokenScore*(1-r.embedWeight)
}

// CosineSimilarity computes cosine similarity between two vectors,
// returning 0 for empty or mismatched inputs.
func CosineSimilarity(vec1, vec2 []float32) float64 {
	if len(vec1) == 0 || len(vec2) == 0 || len(vec1) != len(vec2) {
		return 0.0
	}

	var dotProduct, magnitude1, magnitude2 float64
	for i := 0; i < len(vec1); i++ {
		v1 := float64(vec1[i])
		v2 := float64(vec2[i])
		dotProduct += v1 * v2
		magnitude1 += v1 * v1
		magnitude2 += v2 * v2
	}
	if magnitude1 == 0.0 || magnitude2 == 0.0 {
		return 0.0
	}
	return dotProduct / (math.Sqrt(magnitude1) * math.Sqrt(magnitude2))
}

type tokenSet map[string]bool

// newTokenSet tokenizes text into a lowercased, stopword-free term set.
func newTokenSet(text string) tokenSet {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isAlphanumeric(r)
	})
	set := make(tokenSet, len(tokens))
	for _, token := range tokens {
		if len(token) > 2 && !stopwords[token] {
			set[token] = true
		}
	}
	return set
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_'
}

// jaccard is |A∩B| / |A∪B| over the two token sets.
func jaccard(a, b tokenSet) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "as": true, "is": true, "was": true,
	"are": true, "be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "can": true, "this": true,
	"that": true, "these": true, "those": true, "i": true, "you": true, "he": true,
	"she": true, "it": true, "we": true, "they": true, "what": true, "which": true,
	"who": true, "when": true, "where": true, "why": true, "how": true,
}
