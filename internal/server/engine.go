package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/storegw/internal/middleware"
)

var ginModeOnce sync.Once

// EngineOptions configures a gin engine.
type EngineOptions struct {
	Logger         *zap.Logger
	ServiceName    string
	TracerProvider trace.TracerProvider
	// SkipHealthLogs drops access logs for probe and metrics paths.
	SkipHealthLogs bool
}

func newEngine(opts EngineOptions) *gin.Engine {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false
	engine.HandleMethodNotAllowed = false
	engine.ContextWithFallback = true

	engine.Use(
		middleware.Recovery(opts.Logger),
		middleware.RequestID(),
		middleware.TracingWithConfig(middleware.TracingConfig{
			TracerProvider: opts.TracerProvider,
			ServiceName:    opts.ServiceName,
			SkipPaths:      []string{"/health", "/ready", "/live", "/metrics"},
		}),
		middleware.LoggingWithConfig(middleware.LoggingConfig{
			Logger:          opts.Logger,
			SkipHealthCheck: opts.SkipHealthLogs,
		}),
	)
	return engine
}

// NewGatewayEngine returns the public engine. Every request falls through
// to handler, which does its own routing.
func NewGatewayEngine(handler http.Handler, opts EngineOptions) *gin.Engine {
	engine := newEngine(opts)
	engine.NoRoute(gin.WrapH(handler))
	return engine
}
