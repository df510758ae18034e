package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricUpdatesApplied   = "callsync_updates_applied_total"
	MetricUpdatesDuplicate = "callsync_updates_duplicate_total"
	MetricUpdatesBuffered  = "callsync_updates_buffered_total"
	MetricResyncs          = "callsync_resyncs_total"
	MetricStaleResponses   = "callsync_stale_responses_total"
	MetricJoins            = "callsync_joins_total"
	MetricLeaves           = "callsync_leaves_total"
	MetricForcedLeaves     = "callsync_forced_leaves_total"
	MetricActiveCalls      = "callsync_active_calls"
)

// Metrics contains Prometheus metrics for the engine. All operations
// are thread-safe.
type Metrics struct {
	updatesApplied   prometheus.Counter
	updatesDuplicate prometheus.Counter
	updatesBuffered  prometheus.Counter
	resyncs          prometheus.Counter
	staleResponses   *prometheus.CounterVec
	joins            prometheus.Counter
	leaves           prometheus.Counter
	forcedLeaves     prometheus.Counter
	activeCalls      prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to
// register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricUpdatesApplied,
			Help: "Total number of participant update batches merged",
		}),
		updatesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricUpdatesDuplicate,
			Help: "Total number of duplicate participant updates discarded",
		}),
		updatesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricUpdatesBuffered,
			Help: "Total number of out-of-order participant updates buffered",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricResyncs,
			Help: "Total number of participant list resyncs requested",
		}),
		staleResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricStaleResponses,
			Help: "Total number of responses discarded by the generation check",
		}, []string{"kind"}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricJoins,
			Help: "Total number of successful group call joins",
		}),
		leaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricLeaves,
			Help: "Total number of group call leaves",
		}),
		forcedLeaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricForcedLeaves,
			Help: "Total number of leaves forced by a failed liveness check",
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveCalls,
			Help: "Number of group calls currently tracked by the registry",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.updatesApplied,
		m.updatesDuplicate,
		m.updatesBuffered,
		m.resyncs,
		m.staleResponses,
		m.joins,
		m.leaves,
		m.forcedLeaves,
		m.activeCalls,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncUpdatesApplied increments the merged-batches counter.
func (m *Metrics) IncUpdatesApplied() { m.updatesApplied.Inc() }

// IncUpdatesDuplicate increments the duplicate-updates counter.
func (m *Metrics) IncUpdatesDuplicate() { m.updatesDuplicate.Inc() }

// IncUpdatesBuffered increments the buffered-updates counter.
func (m *Metrics) IncUpdatesBuffered() { m.updatesBuffered.Inc() }

// IncResyncs increments the resync counter.
func (m *Metrics) IncResyncs() { m.resyncs.Inc() }

// IncStaleResponses increments the stale-responses counter for a
// mutation kind.
func (m *Metrics) IncStaleResponses(kind string) {
	m.staleResponses.WithLabelValues(kind).Inc()
}

// IncJoins increments the join counter.
func (m *Metrics) IncJoins() { m.joins.Inc() }

// IncLeaves increments the leave counter.
func (m *Metrics) IncLeaves() { m.leaves.Inc() }

// IncForcedLeaves increments the forced-leave counter.
func (m *Metrics) IncForcedLeaves() { m.forcedLeaves.Inc() }

// SetActiveCalls records the current registry size.
func (m *Metrics) SetActiveCalls(n int) { m.activeCalls.Set(float64(n)) }
