package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RecoveryConfig holds configuration for the recovery middleware.
type RecoveryConfig struct {
	Logger           *zap.Logger
	EnableStackTrace bool
	PanicHandler     func(c *gin.Context, err interface{})
}

// Recovery returns a middleware that recovers from panics.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return RecoveryWithConfig(RecoveryConfig{
		Logger:           logger,
		EnableStackTrace: true,
	})
}

// RecoveryWithConfig returns a recovery middleware with custom configuration.
func RecoveryWithConfig(config RecoveryConfig) gin.HandlerFunc {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}

			fields := []zap.Field{
				zap.Any("error", err),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			}
			if requestID := GetRequestID(c); requestID != "" {
				fields = append(fields, zap.String("request_id", requestID))
			}
			if config.EnableStackTrace {
				fields = append(fields, zap.ByteString("stack", debug.Stack()))
			}
			config.Logger.Error("panic recovered", fields...)

			if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
				span.RecordError(fmt.Errorf("panic: %v", err))
				span.SetStatus(codes.Error, "panic")
			}

			if config.PanicHandler != nil {
				config.PanicHandler(c, err)
				return
			}

			c.Header("Cache-Control", "no-store")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "internal_error",
				"message":    http.StatusText(http.StatusInternalServerError),
				"request_id": GetRequestID(c),
			})
		}()

		c.Next()
	}
}
