package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Default timeout values for health checks.
const (
	DefaultReadinessProbeTimeout = 5 * time.Second
	DefaultLivenessProbeTimeout  = 10 * time.Second
)

// Status values reported for the whole gateway and for single checks.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
	StatusDraining = "draining"
)

// HandlerConfig holds configuration for the health handler.
type HandlerConfig struct {
	ReadinessProbeTimeout time.Duration
	LivenessProbeTimeout  time.Duration
}

// DefaultHandlerConfig returns a HandlerConfig with default values.
func DefaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		ReadinessProbeTimeout: DefaultReadinessProbeTimeout,
		LivenessProbeTimeout:  DefaultLivenessProbeTimeout,
	}
}

// HealthCheck defines the interface for health checks.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// criticalCheck is implemented by checks that can be downgraded to
// informational.
type criticalCheck interface {
	IsCritical() bool
}

func isCritical(check HealthCheck) bool {
	if c, ok := check.(criticalCheck); ok {
		return c.IsCritical()
	}
	return true
}

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status    string    `json:"status"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler handles health check requests.
type Handler struct {
	checks    []HealthCheck
	logger    *zap.Logger
	mu        sync.RWMutex
	startTime time.Time
	config    *HandlerConfig
	version   string
	draining  atomic.Bool
}

// NewHandler creates a new health handler with default configuration.
func NewHandler(logger *zap.Logger) *Handler {
	return NewHandlerWithConfig(logger, nil)
}

// NewHandlerWithConfig creates a new health handler with the given configuration.
func NewHandlerWithConfig(logger *zap.Logger, config *HandlerConfig) *Handler {
	if config == nil {
		config = DefaultHandlerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:    logger,
		startTime: time.Now(),
		config:    config,
	}
}

// SetVersion sets the version reported by the health endpoint.
func (h *Handler) SetVersion(version string) {
	h.mu.Lock()
	h.version = version
	h.mu.Unlock()
}

// AddCheck adds a health check.
func (h *Handler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// RemoveCheck removes a health check by name.
func (h *Handler) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, check := range h.checks {
		if check.Name() == name {
			h.checks = append(h.checks[:i], h.checks[i+1:]...)
			return
		}
	}
}

// SetDraining marks the gateway as shutting down. Readiness fails while
// draining; liveness is unaffected.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// IsDraining reports whether the gateway is draining.
func (h *Handler) IsDraining() bool {
	return h.draining.Load()
}

// LivenessHandler returns a handler for liveness probes.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		GetHealthMetrics().checksTotal.WithLabelValues("liveness").Inc()
		c.JSON(http.StatusOK, gin.H{
			"status":    StatusOK,
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler returns a handler for readiness probes.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		GetHealthMetrics().checksTotal.WithLabelValues("readiness").Inc()

		if h.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, &HealthStatus{
				Status:    StatusDraining,
				Timestamp: time.Now().UTC(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), h.config.ReadinessProbeTimeout)
		defer cancel()

		status := h.runChecks(ctx)
		c.JSON(statusCode(status), status)
	}
}

// HealthHandler returns a handler for detailed health checks.
func (h *Handler) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		GetHealthMetrics().checksTotal.WithLabelValues("health").Inc()

		ctx, cancel := context.WithTimeout(c.Request.Context(), h.config.LivenessProbeTimeout)
		defer cancel()

		status := h.runChecks(ctx)
		status.Uptime = time.Since(h.startTime).Round(time.Second).String()
		h.mu.RLock()
		status.Version = h.version
		h.mu.RUnlock()

		c.JSON(statusCode(status), status)
	}
}

func statusCode(status *HealthStatus) int {
	if status.Status == StatusError {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// runChecks runs all health checks concurrently and folds their results.
func (h *Handler) runChecks(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, check := range checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			critical := isCritical(c)
			result := &CheckResult{
				Status:    StatusOK,
				Critical:  critical,
				Duration:  duration.String(),
				Timestamp: time.Now().UTC(),
			}

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				result.Error = err.Error()
				if critical {
					result.Status = StatusError
					status.Status = StatusError
				} else {
					result.Status = StatusDegraded
					if status.Status == StatusOK {
						status.Status = StatusDegraded
					}
				}

				h.logger.Warn("health check failed",
					zap.String("check", c.Name()),
					zap.Bool("critical", critical),
					zap.Error(err),
					zap.Duration("duration", duration),
				)
			}
			status.Checks[c.Name()] = result
		}(check)
	}

	wg.Wait()

	GetHealthMetrics().checkStatus.WithLabelValues("overall").Set(boolToFloat(status.Status != StatusError))
	return status
}

// RegisterRoutes registers health check routes on a Gin engine.
func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/health", h.HealthHandler())
	engine.GET("/live", h.LivenessHandler())
	engine.GET("/ready", h.ReadinessHandler())
}
