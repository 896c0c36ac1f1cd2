package arbiter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records arbitration outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions   *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	removals    *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "arbiter",
			Name:      "decisions_total",
			Help:      "Session validation outcomes by status.",
		}, []string{"status"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "arbiter",
			Name:      "resolutions_total",
			Help:      "Conflict resolution outcomes.",
		}, []string{"resolution"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "arbiter",
			Name:      "removals_total",
			Help:      "Session removals by outcome.",
		}, []string{"outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "arbiter",
			Name:      "store_errors_total",
			Help:      "Store errors surfaced to callers, by arbiter operation.",
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sessiongate",
			Subsystem: "arbiter",
			Name:      "operation_seconds",
			Help:      "Arbiter operation latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.decisions, m.resolutions, m.removals, m.storeErrors, m.latency)
	}
	return m
}

func (m *Metrics) decision(s Status) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) resolution(r Resolution) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) removal(outcome string) {
	if m == nil {
		return
	}
	m.removals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) observe(op string, start time.Time) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
