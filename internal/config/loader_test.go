package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/storegw/internal/util"
)

const sampleConfig = `
server:
  address: ":8080"
admin:
  address: ":9090"
registry:
  source: http
  http:
    url: ${REGISTRY_URL:-http://registry:8500}
circuitBreaker:
  failureThreshold: 3
  cooldown: 15s
rateLimit:
  enabled: true
  default:
    capacity: 10
    refillPerSecond: 1
cache:
  enabled: true
auth:
  jwt:
    secret: "$${not-an-env}"
routes:
  - name: products
    pattern: /api/products/**
    service: catalog-service
    methods: [GET]
    cache:
      enabled: true
      ttl: 30s
  - name: orders
    pattern: /api/orders/**
    service: order-service
    timeout: 2s
    auth:
      required: true
    rewrite:
      stripPrefix: /api
`

func TestLoadConfigFromReader(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "http://registry:8500", cfg.Registry.HTTP.URL)
	assert.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 15*time.Second, cfg.CircuitBreaker.Cooldown.Duration())
	assert.Equal(t, "${not-an-env}", cfg.Auth.JWT.Secret)
	assert.Equal(t, "HS256", cfg.Auth.JWT.Algorithm)
	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, 30*time.Second, cfg.Routes[0].Cache.TTL.Duration())
	assert.Equal(t, "/api", cfg.Routes[1].Rewrite.StripPrefix)
	assert.Equal(t, []string{"catalog-service", "order-service"}, cfg.ServiceNames())

	// Defaults
	assert.Equal(t, DefaultBreakerWindow, cfg.CircuitBreaker.Window.Duration())
	assert.Equal(t, DefaultMaxCooldown, cfg.CircuitBreaker.MaxCooldown.Duration())
	assert.Equal(t, DefaultStalenessBound, cfg.Registry.StalenessBound.Duration())
	assert.Equal(t, DefaultRefreshInterval, cfg.Registry.RefreshInterval.Duration())
	assert.Equal(t, DefaultCacheTTL, cfg.Cache.DefaultTTL.Duration())
	assert.Equal(t, []string{IdentityJWT, IdentityAPIKey, IdentityIP}, cfg.RateLimit.Identity)

	assert.NoError(t, ValidateConfig(cfg))
}

func TestLoadConfig_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := LoadConfigFromReader(strings.NewReader("server:\n  adress: \":8080\"\n"))
	assert.Error(t, err)
}

func TestLoadConfig_Empty(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultServerAddress, cfg.Server.Address)
}

func TestLoadConfig_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Routes, 2)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadAndValidate_Invalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry:\n  source: consul\n"), 0o600))

	_, err := LoadAndValidate(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("STOREGW_TEST_HOST", "redis.local")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "set", input: "${STOREGW_TEST_HOST}", expected: "redis.local"},
		{name: "set with default", input: "${STOREGW_TEST_HOST:-x}", expected: "redis.local"},
		{name: "unset with default", input: "${STOREGW_TEST_UNSET:-fallback}", expected: "fallback"},
		{name: "unset", input: "a${STOREGW_TEST_UNSET}b", expected: "ab"},
		{name: "escaped", input: "$${STOREGW_TEST_HOST}", expected: "${STOREGW_TEST_HOST}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SubstituteEnvVars(tt.input))
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, d)
	assert.Equal(t, time.Second, d.Or(time.Second))

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))

	b, err := Duration(5 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(b))
}
