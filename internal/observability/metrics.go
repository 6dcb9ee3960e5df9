package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for one engine. Each Collector owns
// its registry so independent engines (and tests) never collide.
type Collector struct {
	registry *prometheus.Registry

	// Query path
	Searches       *prometheus.CounterVec
	SearchDuration *prometheus.HistogramVec
	Degraded       *prometheus.CounterVec
	SourceFailures *prometheus.CounterVec

	// Cache
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheEntries   prometheus.Gauge

	// Maintenance
	Transitions    *prometheus.CounterVec
	Conflicts      *prometheus.CounterVec
	JobRuns        *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	Consolidated   prometheus.Counter
	Superseded     prometheus.Counter
	Archived       prometheus.Counter
	ScoresUpdated  prometheus.Counter
}

// NewCollector creates a collector with the given namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total number of searches by intent and cache outcome",
		}, []string{"intent", "cache"}),
		SearchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Search latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		Degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_degraded_total",
			Help:      "Searches answered without one or more retrieval sources",
		}, []string{"source"}),
		SourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_failures_total",
			Help:      "Retrieval collaborator failures by source",
		}, []string{"source"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of result cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of result cache misses",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Result cache entries evicted by TTL or capacity",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of result cache entries",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle transitions by from/to state",
		}, []string{"from", "to"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_conflicts_total",
			Help:      "Compare-and-set conflicts by operation",
		}, []string{"op"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Background job runs by job and outcome",
		}, []string{"job", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Background job duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		Consolidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidated_records_total",
			Help:      "Records merged into a survivor",
		}),
		Superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "superseded_records_total",
			Help:      "Supersedes links written",
		}),
		Archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_records_total",
			Help:      "Records moved to the archived state",
		}),
		ScoresUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scores_updated_total",
			Help:      "Quality/importance recomputations written",
		}),
	}

	c.registry.MustRegister(
		c.Searches, c.SearchDuration, c.Degraded, c.SourceFailures,
		c.CacheHits, c.CacheMisses, c.CacheEvictions, c.CacheEntries,
		c.Transitions, c.Conflicts, c.JobRuns, c.JobDuration,
		c.Consolidated, c.Superseded, c.Archived, c.ScoresUpdated,
	)
	return c
}

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
