package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HealthMetrics holds Prometheus metrics for health checks.
type HealthMetrics struct {
	checksTotal   *prometheus.CounterVec
	checkStatus   *prometheus.GaugeVec
	checkDuration *prometheus.HistogramVec
}

var (
	healthMetricsInstance *HealthMetrics
	healthMetricsOnce     sync.Once
)

// GetHealthMetrics returns the singleton health metrics instance.
func GetHealthMetrics() *HealthMetrics {
	healthMetricsOnce.Do(func() {
		healthMetricsInstance = &HealthMetrics{
			checksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "storegw",
					Subsystem: "health",
					Name:      "probes_total",
					Help:      "Total number of health probes served",
				},
				[]string{"type"},
			),
			checkStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "storegw",
					Subsystem: "health",
					Name:      "check_status",
					Help:      "Current health check status (1=healthy, 0=unhealthy)",
				},
				[]string{"check"},
			),
			checkDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "storegw",
					Subsystem: "health",
					Name:      "check_duration_seconds",
					Help:      "Duration of dependency health checks",
					Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
				},
				[]string{"check", "type"},
			),
		}
	})
	return healthMetricsInstance
}

// RecordHealthCheck records the outcome of one dependency check.
func RecordHealthCheck(name, depType string, healthy bool, duration time.Duration) {
	m := GetHealthMetrics()
	m.checkStatus.WithLabelValues(name).Set(boolToFloat(healthy))
	m.checkDuration.WithLabelValues(name, depType).Observe(duration.Seconds())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
