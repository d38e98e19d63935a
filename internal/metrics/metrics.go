// Package metrics exposes Prometheus metrics for the session bridge.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tgbridge"

// Label names.
const (
	LabelStep    = "step"
	LabelOutcome = "outcome"
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelCode    = "code"
)

// Metrics implements session.Observer and bridge.Observer. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	poolSessions   prometheus.Gauge
	reapedSessions prometheus.Counter
	handshakeSteps *prometheus.CounterVec
	restores       *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the metrics and registers them with registry. With a nil
// registry the metrics are created but not registered.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		poolSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_sessions",
			Help:      "Number of records currently held in the session pool",
		}),
		reapedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_sessions_total",
			Help:      "Total number of idle sessions evicted by the reaper",
		}),
		handshakeSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_steps_total",
			Help:      "Login handshake steps by step and outcome",
		}, []string{LabelStep, LabelOutcome}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Session restores from durable storage by outcome",
		}, []string{LabelOutcome}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{LabelMethod, LabelRoute, LabelCode}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{LabelMethod, LabelRoute}),
	}

	if registry != nil {
		registry.MustRegister(
			m.poolSessions,
			m.reapedSessions,
			m.handshakeSteps,
			m.restores,
			m.httpRequests,
			m.httpDuration,
		)
		m.gatherer = registry
	}
	return m
}

// PoolSize sets the pool gauge.
func (m *Metrics) PoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSessions.Set(float64(n))
}

// Reaped counts sessions evicted by one reaper sweep.
func (m *Metrics) Reaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reapedSessions.Add(float64(n))
}

func (m *Metrics) HandshakeStep(step, outcome string) {
	if m == nil {
		return
	}
	m.handshakeSteps.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) Restore(outcome string) {
	if m == nil {
		return
	}
	m.restores.WithLabelValues(outcome).Inc()
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format. Unregistered
// or nil metrics serve 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
