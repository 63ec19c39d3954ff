// Package metrics exposes Prometheus instrumentation for the consolidation
// engine. Every method is safe to call on a nil *Metrics, which records
// nothing, so components can be built without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mend"

// Metrics holds every collector the engine updates
type Metrics struct {
	// Labels: strategy (semantic, type_cluster, temporal, hub, relaxed, force, emergency)
	ConnectionsTotal *prometheus.CounterVec

	// Labels: outcome (completed, recovered, abandoned, forced)
	BatchesTotal *prometheus.CounterVec

	RetriesTotal  prometheus.Counter
	RunsTotal     *prometheus.CounterVec // Labels: result (ok, timed_out, aborted)
	RunDuration   prometheus.Histogram
	Orphans       prometheus.Gauge
	Severity      prometheus.Gauge // 0 none, 1 medium, 2 high, 3 critical
	PurgedTotal   prometheus.Counter
	HeuristicLink prometheus.Counter

	// Labels: operation (CREATE, ABSORB, ...), source (qrng, crypto, prng, single)
	CrystalOpsTotal *prometheus.CounterVec

	// Labels: method (similarity, propose), outcome (ok, rate_limited, busy, error, open)
	OracleCallsTotal *prometheus.CounterVec
}

// New creates and registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "connections_total",
			Help: "Edges created by reconciliation, by strategy.",
		}, []string{"strategy"}),
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "batches_total",
			Help: "Reconciliation batches by outcome.",
		}, []string{"outcome"}),
		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "retries_total",
			Help: "Batch retry attempts after transient failures.",
		}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "runs_total",
			Help: "Reconciliation runs by result.",
		}, []string{"result"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "run_duration_seconds",
			Help:    "Wall time of reconciliation runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		Orphans: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "orphans",
			Help: "Orphan nodes at the last deadlock check.",
		}),
		Severity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "deadlock_severity",
			Help: "Deadlock severity at the last check (0 none .. 3 critical).",
		}),
		PurgedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "purged_total",
			Help: "Orphans hard-deleted by emergency purge.",
		}),
		HeuristicLink: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heuristic", Name: "links_total",
			Help: "Edges created by the connection heuristic.",
		}),
		CrystalOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "crystal", Name: "operations_total",
			Help: "Committed crystallization operations by type and entropy source.",
		}, []string{"operation", "source"}),
		OracleCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "calls_total",
			Help: "Semantic oracle calls by method and outcome.",
		}, []string{"method", "outcome"}),
	}
}

// Connection counts n edges created by strategy
func (m *Metrics) Connection(strategy string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ConnectionsTotal.WithLabelValues(strategy).Add(float64(n))
}

// Batch counts one finished batch
func (m *Metrics) Batch(outcome string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(outcome).Inc()
}

// Retry counts one retry attempt
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// Run records a finished reconciliation run
func (m *Metrics) Run(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

// Deadlock records the latest orphan count and severity level
func (m *Metrics) Deadlock(orphans int, level int) {
	if m == nil {
		return
	}
	m.Orphans.Set(float64(orphans))
	m.Severity.Set(float64(level))
}

// Purged counts hard-deleted orphans
func (m *Metrics) Purged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PurgedTotal.Add(float64(n))
}

// Heuristic counts heuristic links
func (m *Metrics) Heuristic(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HeuristicLink.Add(float64(n))
}

// Crystal counts one committed crystallization operation
func (m *Metrics) Crystal(operation, source string) {
	if m == nil {
		return
	}
	m.CrystalOpsTotal.WithLabelValues(operation, source).Inc()
}

// Oracle counts one oracle call
func (m *Metrics) Oracle(method, outcome string) {
	if m == nil {
		return
	}
	m.OracleCallsTotal.WithLabelValues(method, outcome).Inc()
}
