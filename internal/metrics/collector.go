// Package metrics exposes refresh attempts and circuit breaker state as
// Prometheus metrics.
//
// credwrap is a short-lived CLI, so metrics are not served over HTTP.
// Instead WriteTextfile dumps the registry in the text exposition format
// for node_exporter's textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"credwrap/internal/refresh"
	"credwrap/internal/resilience"
)

const namespace = "credwrap"

// Collector implements refresh.MetricsCollector on a private registry.
type Collector struct {
	registry *prometheus.Registry

	attempts     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	retries      prometheus.Histogram
	lastSuccess  *prometheus.GaugeVec
	breakerState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
}

// New creates a Collector with all metrics registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "attempts_total",
			Help:      "Token refresh attempts by profile, outcome and error kind.",
		}, []string{"profile", "outcome", "error_kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single token endpoint round trip.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		retries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "retries",
			Help:      "Failed attempts preceding each successful refresh.",
			Buckets:   prometheus.LinearBuckets(0, 1, 6),
		}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful refresh per profile.",
		}, []string{"profile"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"breaker"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions by target state.",
		}, []string{"breaker", "to"}),
	}

	c.registry.MustRegister(c.attempts, c.latency, c.retries, c.lastSuccess, c.breakerState, c.transitions)
	return c
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRefresh implements refresh.MetricsCollector.
func (c *Collector) RecordRefresh(m refresh.Metric) {
	outcome := "success"
	if !m.Success {
		outcome = "failure"
	}
	c.attempts.WithLabelValues(m.ProfileID, outcome, m.ErrorKind).Inc()
	c.latency.WithLabelValues(outcome).Observe(m.Latency.Seconds())

	if m.Success {
		c.retries.Observe(float64(m.RetryCount))
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		c.lastSuccess.WithLabelValues(m.ProfileID).Set(float64(ts.Unix()))
	}
}

// BreakerStateChanged records a breaker transition. Its signature matches
// resilience.WithStateChangeHook.
func (c *Collector) BreakerStateChanged(name string, _, to resilience.State) {
	c.breakerState.WithLabelValues(name).Set(float64(to))
	c.transitions.WithLabelValues(name, to.String()).Inc()
}

// ObserveBreaker publishes the current state of cb, for breakers created
// before the collector was attached.
func (c *Collector) ObserveBreaker(cb *resilience.CircuitBreaker) {
	c.breakerState.WithLabelValues(cb.Name()).Set(float64(cb.State()))
}

// WriteTextfile atomically writes the registry to path in the Prometheus
// text format.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

var _ refresh.MetricsCollector = (*Collector)(nil)
