package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vyrodovalexey/storegw/internal/observability"
)

// RequestIDKey is the gin context key for the request ID.
const RequestIDKey = "requestID"

// maxRequestIDLength bounds client supplied IDs.
const maxRequestIDLength = 128

// RequestID returns a middleware that propagates or generates a request ID.
// The ID is stored in the gin context, in the request context and in the
// response header.
func RequestID() gin.HandlerFunc {
	return RequestIDWithGenerator(uuid.NewString)
}

// RequestIDWithGenerator returns a request ID middleware with a custom generator.
func RequestIDWithGenerator(generator func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(observability.RequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = generator()
		}

		c.Set(RequestIDKey, requestID)
		c.Header(observability.RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(observability.ContextWithRequestID(c.Request.Context(), requestID))

		c.Next()
	}
}

// GetRequestID returns the request ID from the gin context.
func GetRequestID(c *gin.Context) string {
	if id, exists := c.Get(RequestIDKey); exists {
		if requestID, ok := id.(string); ok {
			return requestID
		}
	}
	return ""
}
