package detect

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts detection runs by outcome.
	// Labels: result (success, error)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskwise",
			Subsystem: "detect",
			Name:      "runs_total",
			Help:      "Total number of completion detection runs",
		},
		[]string{"result"},
	)

	// RunDuration tracks how long full detection runs take.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "taskwise",
			Subsystem: "detect",
			Name:      "run_duration_seconds",
			Help:      "Duration of completion detection runs in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SuggestionsTotal counts accepted completion suggestions by decision path.
	// Labels: decision (direct, arbitrated, fallback)
	SuggestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskwise",
			Subsystem: "detect",
			Name:      "suggestions_total",
			Help:      "Total number of completion suggestions by decision path",
		},
		[]string{"decision"},
	)

	// SnippetsDropped counts completion snippets that matched no open task.
	SnippetsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskwise",
			Subsystem: "detect",
			Name:      "snippets_dropped_total",
			Help:      "Total number of completion snippets dropped without a match",
		},
	)

	// ClassifierCallsTotal counts classifier invocations during arbitration.
	ClassifierCallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskwise",
			Subsystem: "detect",
			Name:      "classifier_calls_total",
			Help:      "Total number of classifier calls made during arbitration",
		},
	)

	// EmbeddingBatches counts embedding provider calls.
	EmbeddingBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskwise",
			Subsystem: "detect",
			Name:      "embedding_batches_total",
			Help:      "Total number of embedding batches sent to the provider",
		},
	)

	// EmbeddingCacheLookups counts candidate embedding cache lookups by outcome.
	// Labels: result (hit, miss)
	EmbeddingCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskwise",
			Subsystem: "detect",
			Name:      "embedding_cache_lookups_total",
			Help:      "Total number of candidate embedding cache lookups",
		},
		[]string{"result"},
	)

	// DegradedRuns counts runs that fell back to token-only scoring.
	DegradedRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskwise",
			Subsystem: "detect",
			Name:      "degraded_runs_total",
			Help:      "Total number of runs scored without embeddings",
		},
	)
)

// RecordRunResult records the outcome of a detection run.
func RecordRunResult(success bool) {
	if success {
		RunsTotal.WithLabelValues("success").Inc()
	} else {
		RunsTotal.WithLabelValues("error").Inc()
	}
}

// RecordRunMetrics updates Prometheus metrics from a completed run.
func RecordRunMetrics(diag *Diagnostics, elapsed time.Duration) {
	if diag == nil {
		return
	}

	RunDuration.Observe(elapsed.Seconds())

	SuggestionsTotal.WithLabelValues("direct").Add(float64(diag.DirectMatches))
	SuggestionsTotal.WithLabelValues("arbitrated").Add(float64(diag.ArbitratedMatches))
	SuggestionsTotal.WithLabelValues("fallback").Add(float64(diag.FallbackMatches))

	SnippetsDropped.Add(float64(diag.DroppedSnippets))
	ClassifierCallsTotal.Add(float64(diag.ClassifierCalls))
	EmbeddingBatches.Add(float64(diag.EmbeddingBatches))

	if diag.EmbeddingsDegraded {
		if diag.Snippets > 0 && diag.Candidates > 0 {
			DegradedRuns.Inc()
		}
		return
	}
	EmbeddingCacheLookups.WithLabelValues("hit").Add(float64(diag.EmbeddingCacheHits))
	if misses := diag.Candidates - diag.EmbeddingCacheHits; misses > 0 {
		EmbeddingCacheLookups.WithLabelValues("miss").Add(float64(misses))
	}
}
