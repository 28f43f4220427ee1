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

	// Queue metrics
	QueueDepth      prometheus.Gauge
	QueueAdmitted   prometheus.Counter
	QueueCancelled  *prometheus.CounterVec
	QueueWaitTime   prometheus.Histogram

	// Worker metrics
	WorkerBusy        prometheus.Gauge
	Attempts          *prometheus.CounterVec
	Recoveries        *prometheus.CounterVec
	ProcessDuration   *prometheus.HistogramVec
	RequestErrors     *prometheus.CounterVec

	// Bridge metrics
	StreamsCompleted *prometheus.CounterVec
	CaptureRecords   prometheus.Counter
	CaptureDrained   prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .025, .1, .5, 1, 5, 15, 60, 120, 300},
			},
			[]string{"method", "path"},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_queue_depth",
				Help: "Number of requests waiting in the queue",
			},
		),
		QueueAdmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_queue_admitted_total",
				Help: "Total number of requests admitted to the queue",
			},
		),
		QueueCancelled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_queue_cancelled_total",
				Help: "Total number of queued requests cancelled before processing",
			},
			[]string{"reason"},
		),
		QueueWaitTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "proxy_queue_wait_seconds",
				Help:    "Time requests spend queued before the worker picks them up",
				Buckets: []float64{.01, .1, .5, 1, 5, 15, 60, 300},
			},
		),

		WorkerBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_worker_busy",
				Help: "1 while the worker holds the session mutex",
			},
		),
		Attempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_worker_attempts_total",
				Help: "Per-request pipeline attempts by outcome",
			},
			[]string{"outcome"},
		),
		Recoveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_worker_recoveries_total",
				Help: "Recovery actions by tier",
			},
			[]string{"tier"},
		),
		ProcessDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_worker_process_duration_seconds",
				Help:    "End-to-end processing time per request",
				Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"streaming"},
		),
		RequestErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_request_errors_total",
				Help: "Terminal request errors by kind",
			},
			[]string{"kind"},
		),

		StreamsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_streams_completed_total",
				Help: "Streams run to completion by bridge strategy",
			},
			[]string{"bridge"},
		),
		CaptureRecords: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_capture_records_total",
				Help: "Records received from the capture agent",
			},
		),
		CaptureDrained: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_capture_drained_total",
				Help: "Residual capture records discarded between requests",
			},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
