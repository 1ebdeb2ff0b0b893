package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Sandbox lifecycle metrics
	SandboxesActive  prometheus.Gauge
	SandboxesCreated prometheus.Counter
	SandboxesReaped  *prometheus.CounterVec
	ProvisionErrors  prometheus.Counter

	// Command metrics
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  prometheus.Histogram

	// Proxy metrics
	ProxyRequests *prometheus.CounterVec
	ProxyRetries  prometheus.Counter
	ProxyRewrites *prometheus.CounterVec

	// Snapshot metrics
	SnapshotsSaved prometheus.Counter
	SnapshotBytes  prometheus.Counter

	// Terminal metrics
	TerminalsActive prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		SandboxesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_sandboxes_active",
				Help: "Number of live sandbox instances",
			},
		),
		SandboxesCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_sandboxes_created_total",
				Help: "Total number of sandboxes created",
			},
		),
		SandboxesReaped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_sandboxes_reaped_total",
				Help: "Total number of sandboxes destroyed by the idle reaper",
			},
			[]string{"reason"},
		),
		ProvisionErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_sandbox_provision_errors_total",
				Help: "Total number of failed sandbox provisions",
			},
		),

		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_sandbox_commands_total",
				Help: "Total number of commands executed inside sandboxes",
			},
			[]string{"status"},
		),
		CommandDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "backend_sandbox_command_duration_seconds",
				Help:    "Sandbox command duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
			},
		),

		ProxyRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_proxy_requests_total",
				Help: "Total number of proxied requests",
			},
			[]string{"outcome"},
		),
		ProxyRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_proxy_retries_total",
				Help: "Total number of upstream fetch retries",
			},
		),
		ProxyRewrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_proxy_rewrites_total",
				Help: "Total number of rewritten response bodies",
			},
			[]string{"content"},
		),

		SnapshotsSaved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_snapshots_saved_total",
				Help: "Total number of snapshots persisted",
			},
		),
		SnapshotBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_snapshot_bytes_total",
				Help: "Total bytes written to snapshot storage",
			},
		),

		TerminalsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_terminals_active",
				Help: "Number of attached terminal sessions",
			},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_uptime_seconds",
				Help: "Backend uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCommand records a sandbox command execution
func (m *Metrics) RecordCommand(status string, duration time.Duration) {
	m.CommandsTotal.WithLabelValues(status).Inc()
	m.CommandDuration.Observe(duration.Seconds())
}

// RecordProxyRequest records the outcome of a proxied request
func (m *Metrics) RecordProxyRequest(outcome string) {
	m.ProxyRequests.WithLabelValues(outcome).Inc()
}

// RecordRewrite records a rewritten response body by content class
func (m *Metrics) RecordRewrite(content string) {
	m.ProxyRewrites.WithLabelValues(content).Inc()
}

// RecordSnapshot records a persisted snapshot
func (m *Metrics) RecordSnapshot(sizeBytes int64) {
	m.SnapshotsSaved.Inc()
	m.SnapshotBytes.Add(float64(sizeBytes))
}

// RecordReaped records a reaper destruction by reason ("idle" or "lifetime")
func (m *Metrics) RecordReaped(reason string) {
	m.SandboxesReaped.WithLabelValues(reason).Inc()
}
