package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/util"
)

func testRoutes() []config.RouteConfig {
	return []config.RouteConfig{
		{Name: "all", Pattern: "/**", Service: "fallback-service"},
		{Name: "orders", Pattern: "/api/orders/**", Service: "order-service", Methods: []string{"GET", "POST"}},
		{Name: "order-export", Pattern: "/api/orders/export", Service: "report-service", Methods: []string{"GET"}},
		{Name: "orders-root", Pattern: "/api/orders", Service: "order-service", Timeout: config.Duration(2 * time.Second)},
		{Name: "catalog", Pattern: "/api/catalog/**", Service: "catalog-service", Methods: []string{"GET"}},
	}
}

func TestRouter_Match(t *testing.T) {
	t.Parallel()

	r, err := New(testRoutes())
	require.NoError(t, err)

	tests := []struct {
		path string
		want string
	}{
		{path: "/api/orders/42", want: "orders"},
		{path: "/api/orders/42/items", want: "orders"},
		{path: "/api/orders/export", want: "order-export"},
		{path: "/api/orders", want: "orders-root"},
		{path: "/api/ordersx", want: "all"},
		{path: "/api/catalog", want: "catalog"},
		{path: "/", want: "all"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			route, err := r.Match(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, route.Name)
		})
	}
}

func TestRouter_NoMatch(t *testing.T) {
	t.Parallel()

	r, err := New([]config.RouteConfig{
		{Name: "orders", Pattern: "/api/orders/**", Service: "order-service"},
	})
	require.NoError(t, err)

	_, err = r.Match("/api/payments")
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, util.HTTPStatus(err))
}

func TestRouter_MatchRequest_Methods(t *testing.T) {
	t.Parallel()

	r, err := New([]config.RouteConfig{
		{Name: "catalog-read", Pattern: "/api/catalog/**", Service: "catalog-service", Methods: []string{"GET"}},
		{Name: "catalog-admin", Pattern: "/api/catalog/admin/**", Service: "catalog-admin", Methods: []string{"PUT"}},
	})
	require.NoError(t, err)

	tests := []struct {
		method  string
		path    string
		want    string
		wantErr error
	}{
		{method: "GET", path: "/api/catalog/items", want: "catalog-read"},
		{method: "HEAD", path: "/api/catalog/items", want: "catalog-read"},
		{method: "PUT", path: "/api/catalog/admin/items", want: "catalog-admin"},
		{method: "GET", path: "/api/catalog/admin/items", want: "catalog-read"},
		{method: "DELETE", path: "/api/catalog/items", wantErr: util.ErrMethodNotAllowed},
		{method: "GET", path: "/api/other", wantErr: util.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			route, err := r.MatchRequest(httptest.NewRequest(tt.method, tt.path, nil))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, route.Name)
		})
	}

	_, err = r.MatchRequest(httptest.NewRequest("DELETE", "/api/catalog/items", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, util.HTTPStatus(err))

	assert.Equal(t, []string{"GET"}, r.AllowedMethods("/api/catalog/items"))
	assert.Equal(t, []string{"GET", "PUT"}, r.AllowedMethods("/api/catalog/admin/items"))
	assert.Empty(t, r.AllowedMethods("/api/other"))
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()

	valid := config.RouteConfig{Name: "orders", Pattern: "/orders/**", Service: "order-service"}

	tests := []struct {
		name   string
		routes []config.RouteConfig
		field  string
	}{
		{name: "empty name", routes: []config.RouteConfig{{Pattern: "/x", Service: "s"}}, field: "routes[0].name"},
		{name: "empty service", routes: []config.RouteConfig{{Name: "x", Pattern: "/x"}}, field: "routes[0].service"},
		{name: "relative pattern", routes: []config.RouteConfig{{Name: "x", Pattern: "x", Service: "s"}}, field: "routes[0].pattern"},
		{name: "inner wildcard", routes: []config.RouteConfig{{Name: "x", Pattern: "/a/*/b", Service: "s"}}, field: "routes[0].pattern"},
		{
			name:   "duplicate pattern",
			routes: []config.RouteConfig{valid, {Name: "orders-2", Pattern: "/orders/**", Service: "s"}},
			field:  "routes[1].pattern",
		},
		{
			name:   "duplicate name",
			routes: []config.RouteConfig{valid, {Name: "orders", Pattern: "/other", Service: "s"}},
			field:  "routes[1].name",
		},
		{
			name:   "bad method",
			routes: []config.RouteConfig{{Name: "x", Pattern: "/x", Service: "s", Methods: []string{"FETCH"}}},
			field:  "routes[0].methods",
		},
		{
			name: "bad policy",
			routes: []config.RouteConfig{{
				Name: "x", Pattern: "/x", Service: "s",
				RateLimit: &config.PolicyConfig{Capacity: 0, RefillPerSecond: 1},
			}},
			field: "routes[0].rateLimit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.routes)
			require.Error(t, err)

			var cfgErr *util.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestRoute_RewritePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		rewrite *config.RewriteConfig
		in      string
		want    string
	}{
		{name: "no rule", pattern: "/api/orders/**", in: "/api/orders/1", want: "/api/orders/1"},
		{
			name:    "strip prefix",
			pattern: "/api/orders/**",
			rewrite: &config.RewriteConfig{StripPrefix: "/api"},
			in:      "/api/orders/1",
			want:    "/orders/1",
		},
		{
			name:    "strip to root",
			pattern: "/api/orders/**",
			rewrite: &config.RewriteConfig{StripPrefix: "/api/orders/"},
			in:      "/api/orders",
			want:    "/",
		},
		{
			name:    "replace prefix",
			pattern: "/api/orders/**",
			rewrite: &config.RewriteConfig{StripPrefix: "/api/orders", ReplacePrefix: "/v2/orders"},
			in:      "/api/orders/1",
			want:    "/v2/orders/1",
		},
		{
			name:    "replace route literal",
			pattern: "/shop/**",
			rewrite: &config.RewriteConfig{ReplacePrefix: "/internal"},
			in:      "/shop/cart",
			want:    "/internal/cart",
		},
		{
			name:    "prefix not on boundary",
			pattern: "/**",
			rewrite: &config.RewriteConfig{StripPrefix: "/api"},
			in:      "/apix/1",
			want:    "/apix/1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, err := New([]config.RouteConfig{{Name: "r", Pattern: tt.pattern, Service: "s", Rewrite: tt.rewrite}})
			require.NoError(t, err)
			route, ok := r.Route("r")
			require.True(t, ok)
			assert.Equal(t, tt.want, route.RewritePath(tt.in))
		})
	}
}

func TestRouter_Introspection(t *testing.T) {
	t.Parallel()

	r, err := New(testRoutes())
	require.NoError(t, err)

	assert.Equal(t, []string{"catalog-service", "fallback-service", "order-service", "report-service"}, r.Services())

	routes := r.Routes()
	require.Len(t, routes, 5)
	assert.Equal(t, "order-export", routes[0].Name)
	assert.Equal(t, "all", routes[len(routes)-1].Name)

	root, ok := r.Route("orders-root")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, root.Timeout)
	assert.Equal(t, "exact", root.MatchType())
	assert.Empty(t, root.Methods())

	orders, _ := r.Route("orders")
	assert.Equal(t, []string{"GET", "POST"}, orders.Methods())
	assert.Equal(t, "prefix", orders.MatchType())
}

func TestPrefixMatcher(t *testing.T) {
	t.Parallel()

	m := NewPrefixMatcher("/api/")
	assert.True(t, m.Match("/api"))
	assert.True(t, m.Match("/api/x"))
	assert.False(t, m.Match("/apix"))
	assert.Equal(t, "/api/**", m.Pattern())

	all := NewPrefixMatcher("")
	assert.True(t, all.Match("/anything"))
}
