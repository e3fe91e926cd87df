package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UnmatchedRoute is the route label used for requests that match no route,
// keeping label cardinality bounded.
const UnmatchedRoute = "unmatched"

// Metrics holds the gateway-level Prometheus metrics.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeRequests    prometheus.Gauge
	rateLimitDecision *prometheus.CounterVec
	rateLimitDegraded prometheus.Gauge
	cacheResults      *prometheus.CounterVec
	registryRefresh   *prometheus.CounterVec
	registryInstances *prometheus.GaugeVec
	registryAge       *prometheus.GaugeVec
	buildInfo         *prometheus.GaugeVec
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "storegw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests handled by the gateway",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of requests currently in flight",
		},
	)

	m.rateLimitDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by route and outcome",
		},
		[]string{"route", "decision"},
	)

	m.rateLimitDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_local_fallback",
			Help:      "Whether rate limiting runs in local-only mode (1) or against the shared store (0)",
		},
	)

	m.cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_results_total",
			Help:      "Response cache lookups by route and result",
		},
		[]string{"route", "result"},
	)

	m.registryRefresh = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_refresh_total",
			Help:      "Registry refresh attempts by service and result",
		},
		[]string{"service", "result"},
	)

	m.registryInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_instances",
			Help:      "Known instances by service and health",
		},
		[]string{"service", "health"},
	)

	m.registryAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_snapshot_age_seconds",
			Help:      "Seconds since the last successful refresh of a service",
		},
		[]string{"service"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.rateLimitDecision,
		m.rateLimitDegraded,
		m.cacheResults,
		m.registryRefresh,
		m.registryInstances,
		m.registryAge,
		m.buildInfo,
	)

	return m
}

// RecordRequest records a completed request.
// The route parameter must be the matched route name, never the raw path.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActive increments the in-flight gauge.
func (m *Metrics) IncActive() { m.activeRequests.Inc() }

// DecActive decrements the in-flight gauge.
func (m *Metrics) DecActive() { m.activeRequests.Dec() }

// RecordRateLimit records a rate limit decision.
func (m *Metrics) RecordRateLimit(route string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	m.rateLimitDecision.WithLabelValues(route, decision).Inc()
}

// SetRateLimitDegraded flags local-only rate limiting.
func (m *Metrics) SetRateLimitDegraded(degraded bool) {
	if degraded {
		m.rateLimitDegraded.Set(1)
		return
	}
	m.rateLimitDegraded.Set(0)
}

// RecordCacheResult records a cache lookup result (hit, miss, bypass, error).
func (m *Metrics) RecordCacheResult(route, result string) {
	m.cacheResults.WithLabelValues(route, result).Inc()
}

// RecordRegistryRefresh records a refresh attempt for a service.
func (m *Metrics) RecordRegistryRefresh(service string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.registryRefresh.WithLabelValues(service, result).Inc()
}

// SetRegistryInstances sets the instance count for a service and health value.
func (m *Metrics) SetRegistryInstances(service, health string, count int) {
	m.registryInstances.WithLabelValues(service, health).Set(float64(count))
}

// SetRegistryAge sets the age of a service's last successful refresh.
func (m *Metrics) SetRegistryAge(service string, age time.Duration) {
	m.registryAge.WithLabelValues(service).Set(age.Seconds())
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the gateway registry together with
// the default registry. Package-level collectors and the Go runtime
// collectors live in the default registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.Gatherers{m.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}
