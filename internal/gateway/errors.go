package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vyrodovalexey/storegw/internal/util"
)

// Sentinel errors for gateway operations.
var (
	// ErrNilConfig indicates that a nil configuration was provided.
	ErrNilConfig = errors.New("configuration is required")

	// ErrMissingComponent indicates that a required component was not provided.
	ErrMissingComponent = errors.New("missing gateway component")

	// ErrRequestTooLarge indicates that the request body exceeded the server limit.
	ErrRequestTooLarge = errors.New("request body too large")

	// ErrBadRequest indicates that the request body could not be read.
	ErrBadRequest = errors.New("bad request")

	// ErrNoResponse indicates that no stage produced a response.
	ErrNoResponse = errors.New("pipeline produced no response")
)

// ErrorBody is the JSON body of every error the gateway answers itself.
type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps err to the status and machine code of the error response.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge, "request_too_large"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	default:
		return util.HTTPStatus(err), util.ErrorCode(err)
	}
}

// publicMessage keeps backend addresses and token details out of responses.
func publicMessage(err error, status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "missing or invalid bearer token"
	case status >= http.StatusInternalServerError:
		return http.StatusText(status)
	default:
		return err.Error()
	}
}

// WriteJSONError writes an error body with the given status.
func WriteJSONError(w http.ResponseWriter, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
