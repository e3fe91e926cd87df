// Package middleware provides the gin middleware that wraps the gateway
// engine and the admin engine.
//
//   - RequestID: reads or generates X-Request-ID and stores it in the request context
//   - Logging: one structured log line per request, level chosen by status
//   - Recovery: turns handler panics into a JSON 500
//   - Tracing: OpenTelemetry server spans with W3C context extraction
//   - SecurityHeaders: anti-framing, nosniff and no-store headers for admin responses
//
// Usage:
//
//	engine := gin.New()
//	engine.Use(
//	    middleware.Recovery(logger),
//	    middleware.RequestID(),
//	    middleware.Tracing("storegw"),
//	    middleware.Logging(logger),
//	)
package middleware
