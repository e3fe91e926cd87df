package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/util"
)

const prefixWildcard = "/**"

// Route is a compiled route.
type Route struct {
	Name    string
	Pattern string
	Service string
	Timeout time.Duration
	Config  config.RouteConfig

	matcher PathMatcher
	methods *MethodMatcher
	literal string
	exact   bool
}

// AllowsMethod reports whether the route accepts method.
func (r *Route) AllowsMethod(method string) bool {
	return r.methods.Match(method)
}

// Methods returns the allowed methods, empty when any method is allowed.
func (r *Route) Methods() []string {
	return r.methods.Methods()
}

// MatchType returns "exact" or "prefix".
func (r *Route) MatchType() string {
	return r.matcher.Type()
}

// RewritePath applies the route's rewrite rule to path. Without a rule the
// path is returned unchanged.
func (r *Route) RewritePath(path string) string {
	rw := r.Config.Rewrite
	if rw == nil {
		return path
	}

	strip := rw.StripPrefix
	if strip == "" && rw.ReplacePrefix != "" {
		strip = r.literal
	}
	strip = strings.TrimSuffix(strip, "/")

	if strip != "" {
		if !strings.HasPrefix(path, strip) || (len(path) > len(strip) && path[len(strip)] != '/') {
			return path
		}
		path = path[len(strip):]
	}

	if rw.ReplacePrefix != "" {
		path = strings.TrimSuffix(rw.ReplacePrefix, "/") + path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// Router matches paths against an immutable, priority-ordered route table.
type Router struct {
	routes []*Route
	byName map[string]*Route
}

// New validates and compiles routes. A malformed route yields a
// *util.ConfigError.
func New(routes []config.RouteConfig) (*Router, error) {
	r := &Router{
		routes: make([]*Route, 0, len(routes)),
		byName: make(map[string]*Route, len(routes)),
	}
	patterns := make(map[string]string, len(routes))

	for i, rc := range routes {
		path := fmt.Sprintf("routes[%d]", i)

		compiled, err := compileRoute(path, rc)
		if err != nil {
			return nil, err
		}
		if _, dup := r.byName[rc.Name]; dup {
			return nil, util.NewConfigError(path+".name", fmt.Sprintf("duplicate route name %q", rc.Name))
		}
		if other, dup := patterns[rc.Pattern]; dup {
			return nil, util.NewConfigError(path+".pattern",
				fmt.Sprintf("pattern %q already used by route %q", rc.Pattern, other))
		}

		patterns[rc.Pattern] = rc.Name
		r.byName[rc.Name] = compiled
		r.routes = append(r.routes, compiled)
	}

	sort.SliceStable(r.routes, func(i, j int) bool {
		a, b := r.routes[i], r.routes[j]
		if len(a.literal) != len(b.literal) {
			return len(a.literal) > len(b.literal)
		}
		return a.exact && !b.exact
	})

	return r, nil
}

func compileRoute(path string, rc config.RouteConfig) (*Route, error) {
	if rc.Name == "" {
		return nil, util.NewConfigError(path+".name", "name is required")
	}
	if rc.Service == "" {
		return nil, util.NewConfigError(path+".service", "service is required")
	}
	if !strings.HasPrefix(rc.Pattern, "/") {
		return nil, util.NewConfigError(path+".pattern", fmt.Sprintf("pattern %q must start with /", rc.Pattern))
	}

	route := &Route{
		Name:    rc.Name,
		Pattern: rc.Pattern,
		Service: rc.Service,
		Timeout: rc.Timeout.Duration(),
		Config:  rc,
		methods: NewMethodMatcher(rc.Methods),
	}

	literal := rc.Pattern
	if strings.HasSuffix(rc.Pattern, prefixWildcard) {
		literal = strings.TrimSuffix(rc.Pattern, prefixWildcard)
		route.matcher = NewPrefixMatcher(literal)
	} else {
		route.matcher = NewExactMatcher(rc.Pattern)
		route.exact = true
	}
	if strings.Contains(literal, "*") {
		return nil, util.NewConfigError(path+".pattern",
			fmt.Sprintf("pattern %q: wildcards are only allowed as a trailing /**", rc.Pattern))
	}
	route.literal = literal

	for _, m := range rc.Methods {
		if err := util.ValidateHTTPMethod(strings.ToUpper(m)); err != nil {
			return nil, util.NewConfigErrorWithCause(path+".methods", fmt.Sprintf("invalid method %q", m), err)
		}
	}
	if route.Timeout < 0 {
		return nil, util.NewConfigError(path+".timeout", "must not be negative")
	}
	if p := rc.RateLimit; p != nil {
		if p.Capacity < 1 || p.RefillPerSecond <= 0 || p.Weight < 0 || p.Weight > p.Capacity {
			return nil, util.NewConfigError(path+".rateLimit",
				"capacity must be at least 1, refill positive and weight within capacity")
		}
	}

	return route, nil
}

// Match returns the most specific route whose pattern matches path.
func (r *Router) Match(path string) (*Route, error) {
	for _, route := range r.routes {
		if route.matcher.Match(path) {
			return route, nil
		}
	}
	return nil, util.NewRouteNotFoundError("", path)
}

// MatchRequest is Match with the route's method filter applied. When routes
// match the path but none accepts the method, the error wraps
// util.ErrMethodNotAllowed.
func (r *Router) MatchRequest(req *http.Request) (*Route, error) {
	path := req.URL.Path

	var pathMatched *Route
	for _, route := range r.routes {
		if !route.matcher.Match(path) {
			continue
		}
		if route.AllowsMethod(req.Method) {
			return route, nil
		}
		if pathMatched == nil {
			pathMatched = route
		}
	}

	if pathMatched != nil {
		return nil, fmt.Errorf("route %s does not accept %s: %w", pathMatched.Name, req.Method, util.ErrMethodNotAllowed)
	}
	return nil, util.NewRouteNotFoundError(req.Method, path)
}

// AllowedMethods returns the sorted methods accepted by the routes whose
// pattern matches path. It is empty when no route matches or one of them
// accepts any method.
func (r *Router) AllowedMethods(path string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, route := range r.routes {
		if !route.matcher.Match(path) {
			continue
		}
		methods := route.Methods()
		if len(methods) == 0 {
			return nil
		}
		for _, m := range methods {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Route returns a route by name.
func (r *Router) Route(name string) (*Route, bool) {
	route, ok := r.byName[name]
	return route, ok
}

// Routes returns the routes in match priority order.
func (r *Router) Routes() []*Route {
	out := make([]*Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Services returns the distinct backend services referenced by routes.
func (r *Router) Services() []string {
	seen := make(map[string]bool, len(r.routes))
	var out []string
	for _, route := range r.routes {
		if !seen[route.Service] {
			seen[route.Service] = true
			out = append(out, route.Service)
		}
	}
	sort.Strings(out)
	return out
}
