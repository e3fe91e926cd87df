package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/observability"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG_PATH", "/etc/storegw/gateway.yaml")
	t.Setenv("GATEWAY_LOG_LEVEL", "warn")
	t.Setenv("GATEWAY_VALIDATE_ONLY", "yes")

	f := parseFlags(nil)
	assert.Equal(t, "/etc/storegw/gateway.yaml", f.configPath)
	assert.Equal(t, "warn", f.logLevel)
	assert.Empty(t, f.logFormat)
	assert.True(t, f.validateOnly)

	f = parseFlags([]string{"-config", "local.yaml", "-log-format", "console", "-version"})
	assert.Equal(t, "local.yaml", f.configPath)
	assert.Equal(t, "console", f.logFormat)
	assert.True(t, f.showVersion)
}

func TestLogConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	lc := logConfig(cliFlags{}, cfg)
	assert.Equal(t, observability.LogConfig{Level: "info", Format: "json", Output: "stdout"}, lc)

	lc = logConfig(cliFlags{logLevel: "debug", logFormat: "console"}, cfg)
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "console", lc.Format)
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{value: "", def: true, want: true},
		{value: "TRUE", def: false, want: true},
		{value: "off", def: true, want: false},
		{value: "maybe", def: true, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("STOREGW_TEST_BOOL", tt.value)
			assert.Equal(t, tt.want, getEnvBool("STOREGW_TEST_BOOL", tt.def))
		})
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestApplication_ServesAndShutsDown(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"path":"`+r.URL.Path+`"}`)
	}))
	t.Cleanup(backend.Close)

	dir := t.TempDir()
	registryFile := writeFile(t, dir, "registry.yaml", `
services:
  catalog-service:
    - id: c1
      address: `+strings.TrimPrefix(backend.URL, "http://")+`
      health: healthy
`)
	configFile := writeFile(t, dir, "gateway.yaml", `
server:
  address: 127.0.0.1:0
  shutdownTimeout: 5s
admin:
  address: localhost:0
registry:
  source: file
  file:
    path: `+registryFile+`
rateLimit:
  enabled: true
  default:
    capacity: 100
    refillPerSecond: 10
cache:
  enabled: true
routes:
  - name: catalog
    pattern: /api/catalog/**
    service: catalog-service
    methods: [GET]
    rewrite:
      stripPrefix: /api
    cache:
      enabled: true
`)

	cfg, err := config.LoadAndValidate(configFile)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApplication(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.run(ctx) }()

	require.Eventually(t, func() bool {
		addr := app.server.AdminAddr()
		if addr == "localhost:0" {
			return false
		}
		resp, err := http.Get("http://" + addr + "/ready")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	get := func(path string) *http.Response {
		resp, err := http.Get("http://" + app.server.GatewayAddr() + path)
		require.NoError(t, err)
		return resp
	}

	resp := get("/api/catalog/items")
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"path":"/catalog/items"}`, string(body))
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "99", resp.Header.Get("X-RateLimit-Remaining"))

	resp = get("/api/catalog/items")
	_ = resp.Body.Close()
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))

	resp = get("/nope")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	adminResp, err := http.Get("http://" + app.server.AdminAddr() + "/admin/registry")
	require.NoError(t, err)
	adminBody, _ := io.ReadAll(adminResp.Body)
	_ = adminResp.Body.Close()
	assert.Contains(t, string(adminBody), `"catalog-service"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("application did not stop")
	}
}
