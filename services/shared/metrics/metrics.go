// Package metrics provides Prometheus metrics collection for the authbridge services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common labels used across metrics.
const (
	LabelService   = "service"
	LabelMethod    = "method"
	LabelPath      = "path"
	LabelStatus    = "status"
	LabelProvider  = "provider"
	LabelComponent = "component"
	LabelOutcome   = "outcome"
)

// Metrics contains all Prometheus metrics for a service.
type Metrics struct {
	serviceName string
	registry    *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
	httpResponseSize     *prometheus.HistogramVec

	// Provider call metrics (token exchange, profile fetch)
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec

	// Authentication flow metrics
	authenticationsTotal *prometheus.CounterVec
	authFailuresTotal    *prometheus.CounterVec

	// Circuit breaker metrics
	circuitBreakerState *prometheus.GaugeVec
	circuitBreakerTrips *prometheus.CounterVec

	// State token metrics
	stateTokensIssued   *prometheus.CounterVec
	stateTokensRejected *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	ServiceName string
	Namespace   string
	Subsystem   string
}

// New creates a new Metrics instance.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "authbridge"
	}

	registry := prometheus.NewRegistry()

	// Register default Go metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		serviceName: cfg.ServiceName,
		registry:    registry,
	}

	factory := promauto.With(registry)

	// HTTP metrics
	m.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{LabelService, LabelMethod, LabelPath, LabelStatus},
	)

	m.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelMethod, LabelPath, LabelStatus},
	)

	m.httpRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed.",
		},
	)

	m.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{LabelService, LabelMethod, LabelPath},
	)

	// Provider call metrics
	m.providerRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "provider_requests_total",
			Help:      "Total number of requests to OAuth providers.",
		},
		[]string{LabelProvider, LabelMethod, LabelStatus},
	)

	m.providerRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "provider_request_duration_seconds",
			Help:      "OAuth provider request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelProvider, LabelMethod},
	)

	// Authentication flow metrics
	m.authenticationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "authentications_total",
			Help:      "Total number of completed authentication flows.",
		},
		[]string{LabelProvider, LabelOutcome},
	)

	m.authFailuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures by kind.",
		},
		[]string{LabelProvider, "kind"},
	)

	// Circuit breaker metrics
	m.circuitBreakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		},
		[]string{LabelComponent},
	)

	m.circuitBreakerTrips = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips.",
		},
		[]string{LabelComponent},
	)

	// State token metrics
	m.stateTokensIssued = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "state_tokens_issued_total",
			Help:      "Total number of state tokens issued for login redirects.",
		},
		[]string{LabelProvider},
	)

	m.stateTokensRejected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "state_tokens_rejected_total",
			Help:      "Total number of state tokens rejected during validation.",
		},
		[]string{LabelProvider, "reason"},
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// --- HTTP Metrics ---

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	statusStr := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(m.serviceName, method, path, statusStr).Inc()
	m.httpRequestDuration.WithLabelValues(m.serviceName, method, path, statusStr).Observe(duration.Seconds())
	m.httpResponseSize.WithLabelValues(m.serviceName, method, path).Observe(float64(responseSize))
}

// HTTPRequestsInFlight increments/decrements in-flight request counter.
func (m *Metrics) HTTPRequestsInFlight(delta float64) {
	m.httpRequestsInFlight.Add(delta)
}

// --- Provider Metrics ---

// RecordProviderRequest records a request to an OAuth provider endpoint.
func (m *Metrics) RecordProviderRequest(provider, method string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.providerRequestsTotal.WithLabelValues(provider, method, statusStr).Inc()
	m.providerRequestDuration.WithLabelValues(provider, method).Observe(duration.Seconds())
}

// --- Authentication Metrics ---

// RecordAuthentication records a completed authentication flow.
func (m *Metrics) RecordAuthentication(provider, outcome string) {
	m.authenticationsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordAuthFailure records an authentication failure by kind.
func (m *Metrics) RecordAuthFailure(provider, kind string) {
	m.authFailuresTotal.WithLabelValues(provider, kind).Inc()
}

// --- Circuit Breaker Metrics ---

// SetCircuitBreakerState sets the circuit breaker state.
func (m *Metrics) SetCircuitBreakerState(component string, state int) {
	m.circuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip.
func (m *Metrics) RecordCircuitBreakerTrip(component string) {
	m.circuitBreakerTrips.WithLabelValues(component).Inc()
}

// --- State Token Metrics ---

// RecordStateTokenIssued records an issued state token.
func (m *Metrics) RecordStateTokenIssued(provider string) {
	m.stateTokensIssued.WithLabelValues(provider).Inc()
}

// RecordStateTokenRejected records a rejected state token with a reason.
func (m *Metrics) RecordStateTokenRejected(provider, reason string) {
	m.stateTokensRejected.WithLabelValues(provider, reason).Inc()
}

// --- Middleware ---

// HTTPMiddleware returns an HTTP middleware that records request metrics.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight(1)
		defer m.HTTPRequestsInFlight(-1)

		// Wrap response writer to capture status and size
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.status, duration, int64(wrapped.size))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Global metrics instance for convenience.
var globalMetrics *Metrics

// Init initializes the global metrics instance.
func Init(cfg Config) *Metrics {
	globalMetrics = New(cfg)
	return globalMetrics
}

// Default returns the global metrics instance.
func Default() *Metrics {
	return globalMetrics
}
