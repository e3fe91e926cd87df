package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/observability"
	"github.com/vyrodovalexey/storegw/internal/registry"
	"github.com/vyrodovalexey/storegw/internal/router"
	"github.com/vyrodovalexey/storegw/internal/util"
)

func testRoute(t *testing.T, rc config.RouteConfig) *router.Route {
	t.Helper()

	if rc.Name == "" {
		rc.Name = "orders"
	}
	if rc.Pattern == "" {
		rc.Pattern = "/api/orders/**"
	}
	if rc.Service == "" {
		rc.Service = "order-service"
	}

	r, err := router.New([]config.RouteConfig{rc})
	require.NoError(t, err)
	route, ok := r.Route(rc.Name)
	require.True(t, ok)
	return route
}

func testForwarder(opts ...Option) *Forwarder {
	cfg := config.DefaultConfig().Proxy
	return NewForwarder(cfg, opts...)
}

func instanceFor(srv *httptest.Server) registry.Instance {
	return registry.Instance{
		ID:      "order-1",
		Service: "order-service",
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Health:  registry.HealthHealthy,
	}
}

func TestForwarder_Forward(t *testing.T) {
	t.Parallel()

	received := make(chan *http.Request, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer backend.Close()

	route := testRoute(t, config.RouteConfig{
		Rewrite: &config.RewriteConfig{StripPrefix: "/api"},
	})

	req := httptest.NewRequest(http.MethodGet, "http://shop.example.com/api/orders/42?expand=items", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("Connection", "X-Hop")
	req.Header.Set("X-Hop", "drop-me")
	req.Header.Set("Accept", "application/json")

	ctx := observability.ContextWithRequestID(context.Background(), "req-123")
	resp, err := testForwarder().Forward(ctx, instanceFor(backend), route, req, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"id":42}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Keep-Alive"))
	assert.Equal(t, "order-1", resp.Instance.ID)
	assert.False(t, IsFailure(resp, err))

	got := <-received
	assert.Equal(t, "/orders/42", got.URL.Path)
	assert.Equal(t, "expand=items", got.URL.RawQuery)
	assert.Equal(t, "10.0.0.1", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", got.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "shop.example.com", got.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "req-123", got.Header.Get(observability.RequestIDHeader))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Empty(t, got.Header.Get("X-Hop"))
}

func TestForwarder_Forward_Body(t *testing.T) {
	t.Parallel()

	type seen struct {
		body string
		xff  string
	}
	received := make(chan seen, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		received <- seen{body: buf.String(), xff: r.Header.Get("X-Forwarded-For")}
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/orders", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.RemoteAddr = "10.0.0.1:5555"

	body := []byte(`{"sku":"A1"}`)
	resp, err := testForwarder().Forward(context.Background(), instanceFor(backend), testRoute(t, config.RouteConfig{}), req, body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)

	got := <-received
	assert.Equal(t, `{"sku":"A1"}`, got.body)
	assert.Equal(t, "203.0.113.9, 10.0.0.1", got.xff)
}

func TestForwarder_Forward_StatusAccounting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status  int
		failure bool
	}{
		{status: http.StatusOK, failure: false},
		{status: http.StatusFound, failure: false},
		{status: http.StatusNotFound, failure: false},
		{status: http.StatusTooManyRequests, failure: false},
		{status: http.StatusInternalServerError, failure: true},
		{status: http.StatusServiceUnavailable, failure: true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusFound {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(tt.status)
			}))
			defer backend.Close()

			req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
			resp, err := testForwarder().Forward(context.Background(), instanceFor(backend), testRoute(t, config.RouteConfig{}), req, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.failure, IsFailure(resp, err))
		})
	}
}

func TestForwarder_Forward_Timeout(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	route := testRoute(t, config.RouteConfig{Timeout: config.Duration(50 * time.Millisecond)})
	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)

	resp, err := testForwarder().Forward(context.Background(), instanceFor(backend), route, req, nil)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, util.ErrTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, util.HTTPStatus(err))
	assert.True(t, IsFailure(resp, err))
}

func TestForwarder_Forward_DetachedFromClient(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	resp, err := testForwarder().Forward(ctx, instanceFor(backend), testRoute(t, config.RouteConfig{}), req, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestForwarder_Forward_ConnectionRefused(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	inst := instanceFor(backend)
	backend.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	_, err := testForwarder().Forward(context.Background(), inst, testRoute(t, config.RouteConfig{}), req, nil)
	require.Error(t, err)

	var backendErr *util.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "order-service/"+inst.Address, backendErr.Backend)
	assert.Equal(t, http.StatusBadGateway, util.HTTPStatus(err))
	assert.Equal(t, "backend_error", util.ErrorCode(err))
}

func TestForwarder_Forward_ResponseTooLarge(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer backend.Close()

	cfg := config.DefaultConfig().Proxy
	cfg.MaxResponseBytes = 10
	fwd := NewForwarder(cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	_, err := fwd.Forward(context.Background(), instanceFor(backend), testRoute(t, config.RouteConfig{}), req, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Equal(t, http.StatusBadGateway, util.HTTPStatus(err))
}

func TestForwarder_Forward_Span(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	fwd := testForwarder(WithTracerProvider(tp))

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	_, err := fwd.Forward(context.Background(), instanceFor(backend), testRoute(t, config.RouteConfig{}), req, nil)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "proxy.forward", spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}

func TestTargetURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		want    string
		wantErr bool
	}{
		{address: "10.0.0.5:8080", want: "http://10.0.0.5:8080"},
		{address: "https://orders.internal:8443", want: "https://orders.internal:8443"},
		{address: "http://orders.internal/ignored/path", want: "http://orders.internal"},
		{address: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			t.Parallel()

			u, err := targetURL(tt.address)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTarget)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestRemoveHopHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Session-Hint")
	h.Set("X-Session-Hint", "1")
	h.Set("Upgrade", "h2c")
	h.Set("Te", "trailers")
	h.Set("Content-Type", "text/plain")

	removeHopHeaders(h)

	assert.Equal(t, http.Header{"Content-Type": {"text/plain"}}, h)
}
