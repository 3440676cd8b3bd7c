// Package metrics exports Prometheus metrics for the call-routing core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the routing core's Prometheus collectors. All methods are
// safe on a nil receiver so components can run unmetered in tests.
type Metrics struct {
	callsActive       prometheus.Gauge
	callsTotal        *prometheus.CounterVec
	attemptOutcomes   *prometheus.CounterVec
	fallbackDepth     prometheus.Histogram
	backendBinds      prometheus.Counter
	backendUnbinds    prometheus.Counter
	backendDeaths     prometheus.Counter
	incomingTimeouts  prometheus.Counter
	contractViolation *prometheus.CounterVec
}

// New registers the routing metrics with reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callrouter",
			Name:      "calls_active",
			Help:      "Number of live calls in the registry.",
		}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "calls_total",
			Help:      "Calls created, by direction.",
		}, []string{"direction"}),
		attemptOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "outgoing_attempt_outcomes_total",
			Help:      "Per-backend outgoing attempt outcomes.",
		}, []string{"outcome"}),
		fallbackDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "callrouter",
			Name:      "outgoing_fallback_depth",
			Help:      "Number of backends attempted before an outgoing session finalized.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		backendBinds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "backend_binds_total",
			Help:      "Successful backend service binds.",
		}),
		backendUnbinds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "backend_unbinds_total",
			Help:      "Backend service unbinds triggered by the deallocation sweep.",
		}),
		backendDeaths: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "backend_deaths_total",
			Help:      "Backend connections lost while bound.",
		}),
		incomingTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "incoming_retrieval_timeouts_total",
			Help:      "Incoming-call detail retrievals that timed out.",
		}),
		contractViolation: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callrouter",
			Name:      "contract_violations_total",
			Help:      "Internal-consistency violations surfaced by the core.",
		}, []string{"kind"}),
	}
}

// CallAdded records a new live call.
func (m *Metrics) CallAdded(direction string) {
	if m == nil {
		return
	}
	m.callsActive.Inc()
	m.callsTotal.WithLabelValues(direction).Inc()
}

// CallRemoved records a call leaving the registry.
func (m *Metrics) CallRemoved() {
	if m == nil {
		return
	}
	m.callsActive.Dec()
}

// AttemptOutcome records one per-backend outgoing attempt outcome
// ("success", "failure", "cancel").
func (m *Metrics) AttemptOutcome(outcome string) {
	if m == nil {
		return
	}
	m.attemptOutcomes.WithLabelValues(outcome).Inc()
}

// FallbackDepth records how many backends an outgoing session attempted.
func (m *Metrics) FallbackDepth(n int) {
	if m == nil {
		return
	}
	m.fallbackDepth.Observe(float64(n))
}

// BackendBound records a successful bind.
func (m *Metrics) BackendBound() {
	if m == nil {
		return
	}
	m.backendBinds.Inc()
}

// BackendUnbound records a sweep-triggered unbind.
func (m *Metrics) BackendUnbound() {
	if m == nil {
		return
	}
	m.backendUnbinds.Inc()
}

// BackendDied records a lost backend connection.
func (m *Metrics) BackendDied() {
	if m == nil {
		return
	}
	m.backendDeaths.Inc()
}

// IncomingTimeout records an incoming-detail retrieval timeout.
func (m *Metrics) IncomingTimeout() {
	if m == nil {
		return
	}
	m.incomingTimeouts.Inc()
}

// ContractViolation records a programming-error-class condition
// ("permit_underflow", "double_finalize", "invalid_call_id",
// "duplicate_death", "pending_after_sweep").
func (m *Metrics) ContractViolation(kind string) {
	if m == nil {
		return
	}
	m.contractViolation.WithLabelValues(kind).Inc()
}
