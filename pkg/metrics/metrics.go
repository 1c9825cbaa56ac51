// Package metrics registers the Prometheus collectors exposed by the
// orchestrator's health/metrics HTTP server (SPEC_FULL.md §4.12).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/desertdata/proptrack/pkg/proxypool"
	"github.com/desertdata/proptrack/pkg/ratelimit"
)

// Registry bundles every collector proptrack exposes, registered against a
// caller-supplied prometheus.Registerer so tests can use their own.
type Registry struct {
	CollectorRequestsTotal   *prometheus.CounterVec
	CollectorRetriesTotal    *prometheus.CounterVec
	RateLimitHitsTotal       *prometheus.CounterVec
	ProxyState               *prometheus.GaugeVec
	PipelineItemsTotal       *prometheus.CounterVec
	PipelineBatchDuration    prometheus.Histogram
	LLMRequestsTotal         *prometheus.CounterVec
	OrchestratorRunDuration  prometheus.Histogram
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		CollectorRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proptrack",
			Subsystem: "collector",
			Name:      "requests_total",
			Help:      "Total collector HTTP/scrape requests by source and outcome.",
		}, []string{"source", "status"}),

		CollectorRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proptrack",
			Subsystem: "collector",
			Name:      "retries_total",
			Help:      "Total retry attempts issued by a collector.",
		}, []string{"source"}),

		RateLimitHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proptrack",
			Subsystem: "ratelimit",
			Name:      "hits_total",
			Help:      "Total times a source had to wait for rate limit admission.",
		}, []string{"source"}),

		ProxyState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proptrack",
			Subsystem: "proxy",
			Name:      "state",
			Help:      "Count of proxies currently in a given pool state.",
		}, []string{"state"}),

		PipelineItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proptrack",
			Subsystem: "pipeline",
			Name:      "items_processed_total",
			Help:      "Total items processed by the pipeline by source and result.",
		}, []string{"source", "result"}),

		PipelineBatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "proptrack",
			Subsystem: "pipeline",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of one process_batch call.",
			Buckets:   prometheus.DefBuckets,
		}),

		LLMRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proptrack",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM extraction requests by outcome.",
		}, []string{"outcome"}),

		OrchestratorRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "proptrack",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of one daily orchestrator run.",
			Buckets:   []float64{30, 60, 180, 300, 600, 1200, 1800, 3600, 7200},
		}),
	}
}

// RateLimitObserver adapts the Registry to ratelimit.Observer, so a
// collector's limiter reports wait events as metrics without the ratelimit
// package depending on prometheus.
type RateLimitObserver struct {
	reg *Registry
}

// NewRateLimitObserver builds a ratelimit.Observer backed by reg.
func NewRateLimitObserver(reg *Registry) *RateLimitObserver {
	return &RateLimitObserver{reg: reg}
}

// OnRequest is a no-op for metrics purposes; only waits and limit hits are
// counted.
func (o *RateLimitObserver) OnRequest(source string) {}

// OnLimitHit records that a caller had to wait for rate-limit admission.
func (o *RateLimitObserver) OnLimitHit(source string, wait time.Duration) {
	o.reg.RateLimitHitsTotal.WithLabelValues(source).Inc()
}

// OnReset is a no-op for metrics purposes; window resets aren't separately
// counted.
func (o *RateLimitObserver) OnReset(source string) {}

var _ ratelimit.Observer = (*RateLimitObserver)(nil)

// RefreshProxyState sets the proxy_state gauge from a pool's current
// per-state counts. The pool has no observer hook, so the gauge changes
// only when this is called; no code in this module calls it.
func (r *Registry) RefreshProxyState(pool *proxypool.Pool) {
	counts := pool.CountByState()
	for state, n := range counts {
		r.ProxyState.WithLabelValues(string(state)).Set(float64(n))
	}
}
