package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vyrodovalexey/storegw/internal/auth"
	"github.com/vyrodovalexey/storegw/internal/cache"
	"github.com/vyrodovalexey/storegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/storegw/internal/observability"
	"github.com/vyrodovalexey/storegw/internal/proxy"
	"github.com/vyrodovalexey/storegw/internal/ratelimit"
	"github.com/vyrodovalexey/storegw/internal/registry"
	"github.com/vyrodovalexey/storegw/internal/router"
	"github.com/vyrodovalexey/storegw/internal/util"
)

// Cache result labels.
const (
	cacheResultHit    = "hit"
	cacheResultMiss   = "miss"
	cacheResultBypass = "bypass"
)

func (g *Gateway) matchStage(_ context.Context, ex *Exchange) (*Response, error) {
	route, err := g.router.MatchRequest(ex.Request)
	if err != nil {
		return nil, err
	}
	ex.Route = route
	return nil, nil
}

func requiresAuth(route *router.Route) bool {
	return route.Config.Auth != nil && route.Config.Auth.Required
}

func (g *Gateway) authStage(ctx context.Context, ex *Exchange) (*Response, error) {
	if !requiresAuth(ex.Route) {
		return nil, nil
	}

	token := ratelimit.BearerToken(ex.Request)
	if token == "" {
		return nil, auth.ErrMissingToken
	}
	claims, err := g.validator.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	ex.Claims = claims
	return nil, nil
}

// rateLimitStage charges the client's bucket once per inbound request.
// Limiter failures admit the request.
func (g *Gateway) rateLimitStage(ctx context.Context, ex *Exchange) (*Response, error) {
	if g.limiter == nil {
		return nil, nil
	}
	policy, ok := g.policies[ex.Route.Name]
	if !ok {
		return nil, nil
	}

	ex.Identity = g.identity.Resolve(ex.Request, ex.Subject())
	res, err := g.limiter.Allow(ctx, ex.Identity, policy)
	if err != nil {
		g.logger.WithContext(ctx).Warn("rate limiter failed, admitting request",
			observability.String("route", ex.Route.Name),
			observability.Error(err),
		)
		return nil, nil
	}

	ex.RateLimit = res
	g.metrics.RecordRateLimit(ex.Route.Name, res.Allowed)
	if res.Allowed {
		return nil, nil
	}

	observability.AddSpanEvent(ctx, "ratelimit.rejected",
		attribute.String("route", ex.Route.Name),
		attribute.Int("limit", res.Limit),
	)
	return nil, util.NewRateLimitError(res.Limit, res.RetryAfter)
}

func (g *Gateway) cacheStage(ctx context.Context, ex *Exchange) (*Response, error) {
	gen, ok := g.signatures[ex.Route.Name]
	if g.cache == nil || !ok {
		return nil, nil
	}
	route := ex.Route

	if !cacheableRequest(ex.Request) {
		ex.CacheStatus = CacheBypass
		g.metrics.RecordCacheResult(route.Name, cacheResultBypass)
		return nil, nil
	}

	ex.Signature = gen.Signature(ex.Request)
	entry, err := g.cache.Get(ctx, ex.Signature)
	switch {
	case err == nil:
		ex.CacheStatus = CacheHit
		g.metrics.RecordCacheResult(route.Name, cacheResultHit)
		observability.AddSpanEvent(ctx, "cache.hit", attribute.String("route", route.Name))
		return g.responseFromEntry(ex, entry), nil
	case !errors.Is(err, cache.ErrCacheMiss):
		g.logger.WithContext(ctx).Warn("cache lookup failed, treating as miss",
			observability.String("route", route.Name),
			observability.Error(err),
		)
	}

	ex.CacheStatus = CacheMiss
	g.metrics.RecordCacheResult(route.Name, cacheResultMiss)
	ttl := route.Config.Cache.TTL.Or(g.cacheTTL)

	if route.Config.Cache.Coalesce {
		return g.coalesce(ctx, ex, ttl)
	}

	ex.After(func(ctx context.Context, ex *Exchange, resp *Response) {
		g.store(ctx, ex, resp, ttl)
	})
	return nil, nil
}

// coalesce lets one request per signature reach the backend while
// concurrent misses wait for its response.
func (g *Gateway) coalesce(ctx context.Context, ex *Exchange, ttl time.Duration) (*Response, error) {
	v, err, shared := g.flights.Do(ex.Signature, func() (any, error) {
		resp, err := g.forwardStage(ctx, ex)
		if err != nil {
			return nil, err
		}
		g.store(ctx, ex, resp, ttl)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	resp := v.(*Response)
	if shared {
		resp = &Response{Status: resp.Status, Header: resp.Header.Clone(), Body: resp.Body}
	}
	return resp, nil
}

// cacheableRequest reports whether a request may be answered from or
// stored in the shared cache. Requests carrying credentials bypass it
// because signatures never include them.
func cacheableRequest(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if r.Header.Get("Authorization") != "" || r.Header.Get("Cookie") != "" {
		return false
	}
	for _, v := range r.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(directive), "no-store") {
				return false
			}
		}
	}
	return true
}

func (g *Gateway) responseFromEntry(ex *Exchange, entry *cache.Entry) *Response {
	age := strconv.Itoa(int(entry.Age(g.now()).Seconds()))

	if cache.MatchesETag(ex.Request.Header.Get("If-None-Match"), entry.ETag) {
		h := http.Header{}
		h.Set("ETag", entry.ETag)
		h.Set("Age", age)
		if cc := entry.Header.Get("Cache-Control"); cc != "" {
			h.Set("Cache-Control", cc)
		}
		return &Response{Status: http.StatusNotModified, Header: h}
	}

	h := entry.Header.Clone()
	h.Set("Age", age)
	return &Response{Status: entry.Status, Header: h, Body: entry.Body}
}

func (g *Gateway) store(ctx context.Context, ex *Exchange, resp *Response, ttl time.Duration) {
	if !cache.Cacheable(resp.Status, resp.Header) {
		return
	}
	if g.maxEntryBytes > 0 && int64(len(resp.Body)) > g.maxEntryBytes {
		return
	}

	entry := cache.NewEntry(resp.Status, resp.Header, resp.Body, g.now(), ttl)
	if resp.Header.Get("ETag") == "" {
		resp.Header.Set("ETag", entry.ETag)
	}

	if err := g.cache.Put(context.WithoutCancel(ctx), ex.Signature, entry, ttl); err != nil {
		g.logger.WithContext(ctx).Warn("failed to store response in cache",
			observability.String("route", ex.Route.Name),
			observability.Error(err),
		)
	}
}

// forwardStage selects an instance the breaker admits, forwards the
// request and reports the outcome to that breaker.
func (g *Gateway) forwardStage(ctx context.Context, ex *Exchange) (*Response, error) {
	body, err := g.readBody(ex)
	if err != nil {
		return nil, err
	}

	service := ex.Route.Service
	instances := g.registry.Resolve(service)

	var (
		breaker    *circuitbreaker.CircuitBreaker
		generation uint64
	)
	inst, err := g.balancer.Select(service, instances, func(inst registry.Instance) error {
		cb := g.breakers.GetOrCreate(circuitbreaker.KeyFor(g.scope, service, inst.Address))
		gen, err := cb.Allow(ctx)
		if err != nil {
			return err
		}
		breaker, generation = cb, gen
		return nil
	})
	if err != nil {
		if errors.Is(err, util.ErrNoHealthyInstance) {
			if openErr := g.openCircuitError(service, instances); openErr != nil {
				return nil, openErr
			}
		}
		return nil, err
	}
	ex.Instance = &inst

	resp, err := g.forwarder.Forward(ctx, inst, ex.Route, ex.Request, body)
	breaker.Done(context.WithoutCancel(ctx), generation, !proxy.IsFailure(resp, err))
	if err != nil {
		return nil, err
	}

	return &Response{Status: resp.Status, Header: resp.Header, Body: resp.Body}, nil
}

// openCircuitError reports an open breaker as the reason a service has no
// selectable instance, when that is the case.
func (g *Gateway) openCircuitError(service string, instances []registry.Instance) error {
	for _, inst := range instances {
		cb, ok := g.breakers.Get(circuitbreaker.KeyFor(g.scope, service, inst.Address))
		if ok && cb.State() == circuitbreaker.StateOpen {
			return util.NewCircuitOpenError(cb.Name(), cb.State().String())
		}
	}
	return nil
}

func (g *Gateway) readBody(ex *Exchange) ([]byte, error) {
	if ex.bodyRead {
		return ex.body, nil
	}
	ex.bodyRead = true

	r := ex.Request
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	reader := io.Reader(r.Body)
	if g.maxBodyBytes > 0 {
		reader = io.LimitReader(r.Body, g.maxBodyBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Join(ErrBadRequest, err)
	}
	if g.maxBodyBytes > 0 && int64(len(data)) > g.maxBodyBytes {
		return nil, ErrRequestTooLarge
	}
	ex.body = data
	return data, nil
}
