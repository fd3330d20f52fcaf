package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Call creation metrics
	CallsCreatedTotal   *prometheus.CounterVec
	UpstreamErrorsTotal *prometheus.CounterVec
	UpstreamInFlight    prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "parlo"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxy requests",
		},
		[]string{"endpoint", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	callsCreatedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_created_total",
			Help:      "Total calls created through the proxy",
		},
		[]string{"status"},
	)

	upstreamErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total upstream voice API failures",
		},
		[]string{"status"},
	)

	upstreamInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_in_flight",
			Help:      "Forwarded requests currently awaiting the upstream",
		},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"error_type"},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"user_id", "limit_type"},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		callsCreatedTotal,
		upstreamErrorsTotal,
		upstreamInFlight,
		errorsTotal,
		rateLimitHits,
	)

	return &Metrics{
		registry:            registry,
		RequestsTotal:       requestsTotal,
		RequestDuration:     requestDuration,
		CallsCreatedTotal:   callsCreatedTotal,
		UpstreamErrorsTotal: upstreamErrorsTotal,
		UpstreamInFlight:    upstreamInFlight,
		ErrorsTotal:         errorsTotal,
		RateLimitHits:       rateLimitHits,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(endpoint, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCallCreated records a call creation attempt by upstream status.
func (m *Metrics) RecordCallCreated(status int) {
	m.CallsCreatedTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	if status < 200 || status >= 300 {
		m.UpstreamErrorsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}

// RecordError records an error.
func (m *Metrics) RecordError(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(userID, limitType string) {
	m.RateLimitHits.WithLabelValues(userID, limitType).Inc()
}

// ResponseWriter wraps http.ResponseWriter to capture status code and size.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	BytesWritten int
}

// NewResponseWriter creates a new ResponseWriter.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (rw *ResponseWriter) WriteHeader(code int) {
	rw.StatusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures bytes written.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += n
	return n, err
}

// Flush implements http.Flusher.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// StatusString returns the status code as a string.
func (rw *ResponseWriter) StatusString() string {
	return strconv.Itoa(rw.StatusCode)
}
