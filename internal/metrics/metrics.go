// Package metrics defines the server's Prometheus collectors.
//
// A single *Metrics is built in server.New against a registry and handed to
// the components that record into it. Every method is safe on a nil
// receiver, so tests and tools can pass nil instead of building a registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedsync"

// Metrics groups the collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sessions        *prometheus.CounterVec
	snapshots       prometheus.Counter
	snapshotsDrop   prometheus.Counter
	liveSubscribers prometheus.Gauge
	postWrites      *prometheus.CounterVec
}

// New registers every collector, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Session bridge results: minted, valid, absent, invalid, expired, revoked, torn_down.",
		}, []string{"outcome"}),
		snapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_snapshots_delivered_total",
			Help:      "Head snapshots handed to live subscribers.",
		}),
		snapshotsDrop: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_snapshots_superseded_total",
			Help:      "Head snapshots replaced by a newer one before the subscriber read them.",
		}),
		liveSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_subscribers",
			Help:      "Open live head subscriptions.",
		}),
		postWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_writes_total",
			Help:      "Post mutations by operation and result.",
		}, []string{"op", "result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// SessionOutcome counts one session bridge result.
func (m *Metrics) SessionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
}

// SnapshotDelivered counts a head snapshot offered to a subscriber;
// superseded reports that it replaced an unread one.
func (m *Metrics) SnapshotDelivered(superseded bool) {
	if m == nil {
		return
	}
	m.snapshots.Inc()
	if superseded {
		m.snapshotsDrop.Inc()
	}
}

// LiveSubscribers moves the open subscription gauge by delta.
func (m *Metrics) LiveSubscribers(delta int) {
	if m == nil {
		return
	}
	m.liveSubscribers.Add(float64(delta))
}

// PostWrite counts a create or delete; err decides the result label.
func (m *Metrics) PostWrite(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.postWrites.WithLabelValues(op, result).Inc()
}
