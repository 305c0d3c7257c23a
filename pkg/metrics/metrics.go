// Package metrics provides Prometheus metrics for the hub.
//
// All metrics are optional: constructing HubMetrics with a nil registry
// yields a no-op instance, so the hub runs identically with metrics
// disabled.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Safe to call
// multiple times; subsequent calls are ignored. If never called,
// GetRegistry returns nil and metrics constructors return no-op instances.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil if metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// HubMetrics collects hub-wide counters and gauges.
type HubMetrics struct {
	uploadsTotal        prometheus.Counter
	uploadBytesTotal    prometheus.Counter
	downloadsTotal      prometheus.Counter
	tunnelSessions      prometheus.Gauge
	tunnelRequestsTotal prometheus.Counter
	tunnelErrorsTotal   prometheus.Counter
}

// NewHubMetrics registers and returns the hub metrics. Returns a no-op
// instance if reg is nil.
func NewHubMetrics(reg *prometheus.Registry) *HubMetrics {
	if reg == nil {
		return nil
	}

	m := &HubMetrics{
		uploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kbucket",
			Name:      "uploads_total",
			Help:      "Number of uploads committed into the blob store.",
		}),
		uploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kbucket",
			Name:      "upload_bytes_total",
			Help:      "Total bytes committed into the blob store.",
		}),
		downloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kbucket",
			Name:      "downloads_total",
			Help:      "Number of blob downloads served.",
		}),
		tunnelSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kbucket",
			Name:      "tunnel_sessions",
			Help:      "Number of live share tunnel sessions.",
		}),
		tunnelRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kbucket",
			Name:      "tunnel_requests_total",
			Help:      "Number of HTTP requests forwarded over share tunnels.",
		}),
		tunnelErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kbucket",
			Name:      "tunnel_request_errors_total",
			Help:      "Number of forwarded requests resolved with an error.",
		}),
	}

	reg.MustRegister(
		m.uploadsTotal,
		m.uploadBytesTotal,
		m.downloadsTotal,
		m.tunnelSessions,
		m.tunnelRequestsTotal,
		m.tunnelErrorsTotal,
	)
	return m
}

// UploadCommitted records a successful commit of size bytes.
func (m *HubMetrics) UploadCommitted(size int64) {
	if m == nil {
		return
	}
	m.uploadsTotal.Inc()
	m.uploadBytesTotal.Add(float64(size))
}

// DownloadServed records one served download.
func (m *HubMetrics) DownloadServed() {
	if m == nil {
		return
	}
	m.downloadsTotal.Inc()
}

// SessionOpened records a new live tunnel session.
func (m *HubMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.tunnelSessions.Inc()
}

// SessionClosed records a tunnel session teardown.
func (m *HubMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.tunnelSessions.Dec()
}

// RequestForwarded records one forwarded HTTP request.
func (m *HubMetrics) RequestForwarded() {
	if m == nil {
		return
	}
	m.tunnelRequestsTotal.Inc()
}

// RequestFailed records one forwarded request resolved with an error.
func (m *HubMetrics) RequestFailed() {
	if m == nil {
		return
	}
	m.tunnelErrorsTotal.Inc()
}
