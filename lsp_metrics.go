// ichigyo/lsp_metrics.go
// Prometheus metrics for lint runs, caching and server state.
package ichigyo

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Metrics
// ============================================================================

// Lint run outcomes used as the "result" label.
const (
	lintResultOK     = "ok"
	lintResultCached = "cached"
	lintResultError  = "error"
)

// Metrics groups the collectors published by one server instance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	lintRuns     *prometheus.CounterVec
	lintDuration prometheus.Histogram
	cacheHits    prometheus.Counter
	codeActions  prometheus.Counter
}

// NewMetrics creates collectors on a private registry so that several
// servers (for example in tests) can coexist in one process.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		lintRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ichigyo_lint_runs_total",
			Help: "Lint invocations by result",
		}, []string{"result"}),
		lintDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ichigyo_lint_duration_seconds",
			Help:    "Wall time of linter subprocess runs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ichigyo_lint_cache_hits_total",
			Help: "Lint requests answered from the result cache",
		}),
		codeActions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ichigyo_code_actions_total",
			Help: "Quick fixes offered to clients",
		}),
	}
	m.Registry.MustRegister(m.lintRuns, m.lintDuration, m.cacheHits, m.codeActions)
	return m
}

// registerServerGauges publishes gauges backed by live server state.
func (m *Metrics) registerServerGauges(openDocuments, pendingRequests func() int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ichigyo_open_documents",
			Help: "Documents tracked by the state store",
		}, func() float64 { return float64(openDocuments()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ichigyo_pending_requests",
			Help: "In-flight cancellable requests",
		}, func() float64 { return float64(pendingRequests()) }),
	)
}

func (m *Metrics) observeLint(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lintRuns.WithLabelValues(result).Inc()
	if result == lintResultCached {
		m.cacheHits.Inc()
		return
	}
	m.lintDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) addCodeActions(n int) {
	if m == nil || n == 0 {
		return
	}
	m.codeActions.Add(float64(n))
}
