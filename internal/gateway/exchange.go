package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/vyrodovalexey/storegw/internal/auth"
	"github.com/vyrodovalexey/storegw/internal/ratelimit"
	"github.com/vyrodovalexey/storegw/internal/registry"
	"github.com/vyrodovalexey/storegw/internal/router"
)

// X-Cache header values.
const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

// HeaderCache reports how the response cache handled a request.
const HeaderCache = "X-Cache"

// Response is what the gateway writes to the client.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Stage is one step of the request pipeline. A non-nil response or error
// ends the pipeline; (nil, nil) continues with the next stage.
type Stage func(ctx context.Context, ex *Exchange) (*Response, error)

// AfterHook runs on the final response of a pipeline that produced one.
type AfterHook func(ctx context.Context, ex *Exchange, resp *Response)

// Exchange carries one request through the pipeline.
type Exchange struct {
	Request   *http.Request
	RequestID string
	Start     time.Time

	// Set by the stages as the request progresses.
	Route       *router.Route
	Claims      *auth.Claims
	Identity    string
	RateLimit   *ratelimit.Result
	CacheStatus string
	Signature   string
	Instance    *registry.Instance

	body     []byte
	bodyRead bool
	after    []AfterHook
}

// After registers a hook to run on the final response.
func (ex *Exchange) After(hook AfterHook) {
	ex.after = append(ex.after, hook)
}

// Subject returns the authenticated subject, if any.
func (ex *Exchange) Subject() string {
	if ex.Claims == nil {
		return ""
	}
	return ex.Claims.Subject
}

// RouteName returns the matched route name, or the unmatched label.
func (ex *Exchange) RouteName(unmatched string) string {
	if ex.Route == nil {
		return unmatched
	}
	return ex.Route.Name
}

func (ex *Exchange) runAfterHooks(ctx context.Context, resp *Response) {
	for _, hook := range ex.after {
		hook(ctx, ex, resp)
	}
}
