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

// Metrics holds all Prometheus metrics of one service. Each instance owns its
// registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionTransitions *prometheus.CounterVec
	HandshakesTotal    *prometheus.CounterVec
	HandshakeDuration  prometheus.Histogram
	BalanceReads       *prometheus.CounterVec
	StaleResults       *prometheus.CounterVec
	TransferEvents     prometheus.Counter
	Subscribers        prometheus.Gauge

	// Backend API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	CircuitState       *prometheus.GaugeVec

	// Cache metrics
	CacheOperations *prometheus.CounterVec

	// Error metrics
	PanicsRecovered prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics(namespace, service string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "session_transitions_total",
				Help:      "Wallet session state transitions",
			},
			[]string{"from", "to"},
		),
		HandshakesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "handshakes_total",
				Help:      "Authentication handshakes by outcome and failing step",
			},
			[]string{"outcome", "step"},
		),
		HandshakeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "handshake_duration_seconds",
				Help:      "Authentication handshake latency, wallet prompt included",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		BalanceReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "balance_reads_total",
				Help:      "Balance reads by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		StaleResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "stale_results_discarded_total",
				Help:      "Async results dropped because the session moved on",
			},
			[]string{"kind"},
		),
		TransferEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "transfer_events_total",
				Help:      "Token transfer events naming the current address",
			},
		),
		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "snapshot_subscribers",
				Help:      "Active snapshot subscribers",
			},
		),

		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "backend_requests_total",
				Help:      "Backend API requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		APIRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "backend_request_duration_seconds",
				Help:      "Backend API latencies in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "circuit_breaker_state",
				Help:      "0 closed, 1 open, 2 half-open",
			},
			[]string{"name"},
		),

		CacheOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "cache_operations_total",
				Help:      "Durable store operations",
			},
			[]string{"operation", "result"},
		),

		PanicsRecovered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "panics_recovered_total",
				Help:      "Panics caught by recovery handlers",
			},
		),
	}
}

// ObserveHTTP records one served request; route should be the pattern, not the raw path
func (m *Metrics) ObserveHTTP(method, route string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAPI records one backend call
func (m *Metrics) ObserveAPI(endpoint string, err error, duration time.Duration) {
	m.APIRequestsTotal.WithLabelValues(endpoint, outcome(err)).Inc()
	m.APIRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordBalanceRead records a native or token balance read
func (m *Metrics) RecordBalanceRead(kind string, err error) {
	m.BalanceReads.WithLabelValues(kind, outcome(err)).Inc()
}

// RecordCacheOperation records a durable store operation
func (m *Metrics) RecordCacheOperation(operation string, hit bool, err error) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	m.CacheOperations.WithLabelValues(operation, result).Inc()
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
