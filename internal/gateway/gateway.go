// Package gateway provides the core API Gateway request pipeline.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/storegw/internal/auth"
	"github.com/vyrodovalexey/storegw/internal/balancer"
	"github.com/vyrodovalexey/storegw/internal/cache"
	"github.com/vyrodovalexey/storegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/observability"
	"github.com/vyrodovalexey/storegw/internal/proxy"
	"github.com/vyrodovalexey/storegw/internal/ratelimit"
	"github.com/vyrodovalexey/storegw/internal/registry"
	"github.com/vyrodovalexey/storegw/internal/router"
	"github.com/vyrodovalexey/storegw/internal/util"
)

// InstanceRegistry is the view of the registry client the gateway needs.
type InstanceRegistry interface {
	Resolve(service string) []registry.Instance
	MarkUnhealthy(service, address string, ttl time.Duration)
	ClearUnhealthy(service, address string)
	OnRemove(fn func(registry.Instance))
}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
	Subject(ctx context.Context, token string) (string, error)
}

// Components are the collaborators of the gateway. Router, Registry,
// Breakers and Forwarder are required. A nil Limiter disables rate
// limiting and a nil Cache disables response caching.
type Components struct {
	Router    *router.Router
	Registry  InstanceRegistry
	Balancer  *balancer.RoundRobin
	Breakers  *circuitbreaker.Registry
	Limiter   ratelimit.Limiter
	Identity  *ratelimit.IdentityResolver
	Validator TokenValidator
	Cache     cache.Cache
	Forwarder *proxy.Forwarder
	Metrics   *observability.Metrics
	Logger    observability.Logger
	Clock     func() time.Time
}

// Gateway runs the request pipeline.
type Gateway struct {
	router    *router.Router
	registry  InstanceRegistry
	balancer  *balancer.RoundRobin
	breakers  *circuitbreaker.Registry
	limiter   ratelimit.Limiter
	identity  *ratelimit.IdentityResolver
	validator TokenValidator
	cache     cache.Cache
	forwarder *proxy.Forwarder
	metrics   *observability.Metrics
	logger    observability.Logger
	now       func() time.Time

	scope         string
	maxBodyBytes  int64
	cacheTTL      time.Duration
	maxEntryBytes int64

	policies   map[string]ratelimit.Policy
	signatures map[string]*cache.SignatureGenerator
	flights    singleflight.Group
	stages     []Stage
}

// New creates a gateway over the given components and wires the breaker
// and registry feedback loop.
func New(cfg *config.GatewayConfig, c Components) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		router:        c.Router,
		registry:      c.Registry,
		balancer:      c.Balancer,
		breakers:      c.Breakers,
		validator:     c.Validator,
		forwarder:     c.Forwarder,
		metrics:       c.Metrics,
		logger:        c.Logger,
		now:           c.Clock,
		scope:         cfg.CircuitBreaker.Scope,
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		cacheTTL:      cfg.Cache.DefaultTTL.Or(config.DefaultCacheTTL),
		maxEntryBytes: cfg.Cache.MaxEntryBytes,
		policies:      make(map[string]ratelimit.Policy),
		signatures:    make(map[string]*cache.SignatureGenerator),
	}
	if g.balancer == nil {
		g.balancer = balancer.NewRoundRobin()
	}
	if g.metrics == nil {
		g.metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}
	if g.logger == nil {
		g.logger = observability.NopLogger()
	}
	g.logger = g.logger.Named("gateway")
	if g.now == nil {
		g.now = time.Now
	}
	if g.scope == "" {
		g.scope = config.ScopeInstance
	}

	if cfg.RateLimit.Enabled && c.Limiter != nil {
		g.limiter = c.Limiter
		g.identity = c.Identity
		if g.identity == nil {
			var sv ratelimit.SubjectValidator
			if c.Validator != nil {
				sv = c.Validator
			}
			g.identity = ratelimit.NewIdentityResolver(cfg.RateLimit.Identity, cfg.RateLimit.APIKeyHeader, sv,
				ratelimit.WithTrustedProxies(cfg.RateLimit.TrustedProxies),
				ratelimit.WithAPIKeys(cfg.RateLimit.APIKeys),
			)
		}
	}
	if cfg.Cache.Enabled && c.Cache != nil {
		g.cache = c.Cache
	}

	for _, route := range g.router.Routes() {
		if requiresAuth(route) && g.validator == nil {
			return nil, util.NewConfigError("routes."+route.Name+".auth",
				"route requires authentication but no token validator is configured")
		}
		if p := route.Config.RateLimit; p != nil {
			g.policies[route.Name] = ratelimit.PolicyFromConfig(route.Name, p)
		} else if cfg.RateLimit.Default != nil {
			g.policies[route.Name] = ratelimit.PolicyFromConfig(route.Name, cfg.RateLimit.Default)
		}
		if rc := route.Config.Cache; rc != nil && rc.Enabled {
			g.signatures[route.Name] = cache.NewSignatureGenerator(route.Name, rc.VaryQuery, rc.VaryHeaders)
		}
	}

	g.stages = []Stage{
		g.matchStage,
		g.authStage,
		g.rateLimitStage,
		g.cacheStage,
		g.forwardStage,
	}

	g.breakers.OnStateChange(g.onBreakerStateChange)
	g.registry.OnRemove(g.onInstanceRemoved)

	return g, nil
}

func (c Components) validate() error {
	switch {
	case c.Router == nil:
		return fmt.Errorf("%w: router", ErrMissingComponent)
	case c.Registry == nil:
		return fmt.Errorf("%w: registry", ErrMissingComponent)
	case c.Breakers == nil:
		return fmt.Errorf("%w: circuit breakers", ErrMissingComponent)
	case c.Forwarder == nil:
		return fmt.Errorf("%w: forwarder", ErrMissingComponent)
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	g.metrics.IncActive()
	defer g.metrics.DecActive()

	ctx := r.Context()
	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = r.Header.Get(observability.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = observability.ContextWithRequestID(ctx, requestID)
		r = r.WithContext(ctx)
	}

	ex := &Exchange{
		Request:   r,
		RequestID: requestID,
		Start:     g.now(),
	}

	status := g.Handle(ctx, w, ex)

	g.metrics.RecordRequest(r.Method, ex.RouteName(observability.UnmatchedRoute), status, time.Since(start))
}

// Handle runs the pipeline for ex and writes the result to w. It returns
// the status written.
func (g *Gateway) Handle(ctx context.Context, w http.ResponseWriter, ex *Exchange) int {
	resp, err := g.run(ctx, ex)
	if err != nil {
		return g.writeError(ctx, w, ex, err)
	}
	ex.runAfterHooks(ctx, resp)
	return g.writeResponse(w, ex, resp)
}

func (g *Gateway) run(ctx context.Context, ex *Exchange) (*Response, error) {
	for _, stage := range g.stages {
		resp, err := stage(ctx, ex)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, ErrNoResponse
}

func (g *Gateway) writeResponse(w http.ResponseWriter, ex *Exchange, resp *Response) int {
	h := w.Header()
	for k, v := range resp.Header {
		h[k] = append([]string(nil), v...)
	}
	h.Set(observability.RequestIDHeader, ex.RequestID)
	if ex.CacheStatus != "" {
		h.Set(HeaderCache, ex.CacheStatus)
	}
	ratelimit.SetHeaders(h, ex.RateLimit)
	if ex.Request.Method != http.MethodHead && resp.Status != http.StatusNotModified {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}

	w.WriteHeader(resp.Status)
	if ex.Request.Method != http.MethodHead && len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			g.logger.WithContext(ex.Request.Context()).Debug("failed to write response body",
				observability.Error(err),
			)
		}
	}
	return resp.Status
}

func (g *Gateway) writeError(ctx context.Context, w http.ResponseWriter, ex *Exchange, err error) int {
	status, code := statusFor(err)

	h := w.Header()
	h.Set(observability.RequestIDHeader, ex.RequestID)
	if ex.CacheStatus != "" {
		h.Set(HeaderCache, ex.CacheStatus)
	}
	ratelimit.SetHeaders(h, ex.RateLimit)
	if status == http.StatusUnauthorized {
		h.Set("WWW-Authenticate", `Bearer realm="storegw"`)
	}
	if status == http.StatusMethodNotAllowed {
		if allowed := g.router.AllowedMethods(ex.Request.URL.Path); len(allowed) > 0 {
			h.Set("Allow", strings.Join(allowed, ", "))
		}
	}

	logger := g.logger.WithContext(ctx)
	fields := []observability.Field{
		observability.String("method", ex.Request.Method),
		observability.String("path", ex.Request.URL.Path),
		observability.String("route", ex.RouteName(observability.UnmatchedRoute)),
		observability.Int("status", status),
		observability.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Warn("request failed", fields...)
	} else {
		logger.Debug("request rejected", fields...)
	}

	WriteJSONError(w, status, ErrorBody{
		Error:     code,
		Message:   publicMessage(err, status),
		RequestID: ex.RequestID,
	})
	return status
}
