package proxy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// proxyMetrics contains Prometheus metrics for backend calls.
type proxyMetrics struct {
	errorsTotal     *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	responses       *prometheus.CounterVec
}

var (
	proxyMetricsInstance *proxyMetrics
	proxyMetricsOnce     sync.Once
)

// initProxyMetrics initializes the singleton proxy metrics instance with
// the given registerer, or the default registerer when nil. Subsequent
// calls are no-ops.
func initProxyMetrics(registerer prometheus.Registerer) {
	proxyMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		factory := promauto.With(registerer)
		proxyMetricsInstance = &proxyMetrics{
			errorsTotal: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "storegw",
					Subsystem: "proxy",
					Name:      "errors_total",
					Help:      "Total number of failed backend calls",
				},
				[]string{"service", "error_type"},
			),
			backendDuration: factory.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "storegw",
					Subsystem: "proxy",
					Name:      "backend_duration_seconds",
					Help:      "Duration of backend calls",
					Buckets: []float64{
						.001, .005, .01, .025,
						.05, .1, .25, .5,
						1, 2.5, 5, 10,
					},
				},
				[]string{"service"},
			),
			responses: factory.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "storegw",
					Subsystem: "proxy",
					Name:      "backend_responses_total",
					Help:      "Backend responses by service and status class",
				},
				[]string{"service", "class"},
			),
		}
	})
}

// getProxyMetrics returns the singleton proxy metrics instance.
func getProxyMetrics() *proxyMetrics {
	initProxyMetrics(nil)
	return proxyMetricsInstance
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
