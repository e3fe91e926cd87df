package proxy

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/vyrodovalexey/storegw/internal/util"
)

// Sentinel errors for forwarding.
var (
	// ErrResponseTooLarge indicates that the backend body exceeded the configured limit.
	ErrResponseTooLarge = errors.New("backend response too large")

	// ErrInvalidTarget indicates that an instance address cannot be turned into a URL.
	ErrInvalidTarget = errors.New("invalid target address")
)

// Error types used as metric labels.
const (
	errorTypeTimeout           = "timeout"
	errorTypeConnectionRefused = "connection_refused"
	errorTypeTooLarge          = "response_too_large"
	errorTypeBadGateway        = "bad_gateway"
	errorTypeServerError       = "server_error"
)

// IsFailure reports whether a forwarding outcome counts against the
// backend's circuit breaker. Transport errors, timeouts and 5xx responses
// are failures. Any response below 500 is a success, including 4xx.
func IsFailure(resp *Response, err error) bool {
	if err != nil {
		return true
	}
	return resp == nil || resp.Status >= 500
}

func classifyError(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, util.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errorTypeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return errorTypeTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return errorTypeConnectionRefused
	case errors.Is(err, ErrResponseTooLarge):
		return errorTypeTooLarge
	default:
		return errorTypeBadGateway
	}
}
