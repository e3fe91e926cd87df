package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/storegw/internal/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRegistry struct {
	ready bool
	views []registry.ServiceView
}

func (f *fakeRegistry) Ready() bool                      { return f.ready }
func (f *fakeRegistry) Snapshot() []registry.ServiceView { return f.views }

func serve(t *testing.T, h *Handler, path string) (int, HealthStatus) {
	t.Helper()

	engine := gin.New()
	h.RegisterRoutes(engine)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	return w.Code, status
}

func TestHandler_Readiness(t *testing.T) {
	t.Parallel()

	failing := func(context.Context) error { return errors.New("down") }
	passing := func(context.Context) error { return nil }

	tests := []struct {
		name       string
		checks     []HealthCheck
		wantCode   int
		wantStatus string
	}{
		{
			name:       "no checks",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name:       "all passing",
			checks:     []HealthCheck{NewDependencyCheck("a", DependencyTypeCustom, passing)},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name: "non-critical failure degrades",
			checks: []HealthCheck{
				NewDependencyCheck("a", DependencyTypeCustom, passing),
				NewDependencyCheck("b", DependencyTypeCustom, failing, WithCritical(false)),
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
		},
		{
			name: "critical failure is unready",
			checks: []HealthCheck{
				NewDependencyCheck("a", DependencyTypeCustom, failing),
				NewDependencyCheck("b", DependencyTypeCustom, failing, WithCritical(false)),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := NewHandler(zap.NewNop())
			for _, c := range tt.checks {
				h.AddCheck(c)
			}

			code, status := serve(t, h, "/ready")
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
		})
	}
}

func TestHandler_Draining(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil)
	h.SetDraining(true)

	code, status := serve(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusDraining, status.Status)

	code, status = serve(t, h, "/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOK, status.Status)

	h.SetDraining(false)
	code, _ = serve(t, h, "/ready")
	assert.Equal(t, http.StatusOK, code)
}

func TestHandler_Health(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil)
	h.SetVersion("1.2.3")
	h.AddCheck(NewDependencyCheck("x", DependencyTypeCustom, func(context.Context) error { return nil }))
	h.AddCheck(NewDependencyCheck("y", DependencyTypeCustom, func(context.Context) error { return nil }))
	h.RemoveCheck("y")

	code, status := serve(t, h, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1.2.3", status.Version)
	assert.NotEmpty(t, status.Uptime)
	require.Contains(t, status.Checks, "x")
	assert.NotContains(t, status.Checks, "y")
	assert.True(t, status.Checks["x"].Critical)
}

func TestRegistryChecks(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{}
	ready := RegistryReadyCheck(reg)
	fresh := RegistryFreshnessCheck(reg)

	assert.Error(t, ready.Check(context.Background()))
	assert.True(t, ready.IsCritical())
	assert.False(t, fresh.IsCritical())

	reg.ready = true
	reg.views = []registry.ServiceView{
		{Service: "orders"},
		{Service: "catalog", Stale: true},
	}
	assert.NoError(t, ready.Check(context.Background()))
	assert.EqualError(t, fresh.Check(context.Background()), "stale services: catalog")
}

func TestRedisHealthCheck(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	check := RedisHealthCheck("cache_store", client)
	assert.Equal(t, "cache_store", check.Name())
	assert.NoError(t, check.Check(context.Background()))

	mr.SetError("LOADING")
	assert.ErrorContains(t, check.Check(context.Background()), "redis ping failed")
}

func TestDegradedCheck(t *testing.T) {
	t.Parallel()

	degraded := false
	check := DegradedCheck("ratelimit_store", DependencyTypeRateLimiter, func() bool { return degraded }, "local limits only")

	assert.NoError(t, check.Check(context.Background()))
	degraded = true
	assert.EqualError(t, check.Check(context.Background()), "local limits only")
	assert.False(t, check.IsCritical())
}
