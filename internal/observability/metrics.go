// Package observability holds the process-wide prometheus collectors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kvOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kv_op_duration_seconds",
			Help:    "Duration of durable key/value operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "outcome"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payload_cache_results_total",
			Help: "Payload cache lookups by outcome.",
		},
		[]string{"tier", "outcome"},
	)

	sourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_fetches_total",
			Help: "Source fetch attempts by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	sourceFetchSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "source_fetch_duration_seconds",
			Help:    "Duration of source fetches in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"source"},
	)

	batchCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_commits_total",
			Help: "Batch commit attempts by outcome.",
		},
		[]string{"outcome"},
	)

	deltasPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltas_published_total",
			Help: "Delta broadcasts by driver and outcome.",
		},
		[]string{"driver", "outcome"},
	)

	runActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "run_active",
			Help: "1 while a run holds the lock.",
		},
	)

	runProcessedRegions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "run_processed_regions",
			Help: "Regions processed by the current or last run.",
		},
	)

	llmRefinements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_refinements_total",
			Help: "LLM refinement calls by outcome.",
		},
		[]string{"outcome"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveKVOp(op string, err error, seconds float64) {
	kvOpSeconds.WithLabelValues(op, outcome(err)).Observe(seconds)
}

func IncCacheHit(tier string)  { cacheResults.WithLabelValues(tier, "hit").Inc() }
func IncCacheMiss(tier string) { cacheResults.WithLabelValues(tier, "miss").Inc() }

func ObserveSourceFetch(source, result string, seconds float64) {
	sourceFetches.WithLabelValues(source, result).Inc()
	sourceFetchSeconds.WithLabelValues(source).Observe(seconds)
}

func IncBatchCommit(err error) { batchCommits.WithLabelValues(outcome(err)).Inc() }
func IncDeltaPublished(driver string, err error) {
	deltasPublished.WithLabelValues(driver, outcome(err)).Inc()
}

func SetRunActive(active bool) {
	if active {
		runActive.Set(1)
		return
	}
	runActive.Set(0)
}

func SetProcessedRegions(n int) { runProcessedRegions.Set(float64(n)) }

func IncLLMRefinement(result string) { llmRefinements.WithLabelValues(result).Inc() }

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
