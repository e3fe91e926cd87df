package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/storegw/internal/util"
)

func validConfig() *GatewayConfig {
	cfg := &GatewayConfig{
		Registry: RegistryConfig{
			Source: SourceFile,
			File:   &FileRegistryConfig{Path: "/etc/storegw/instances.yaml"},
		},
		Routes: []RouteConfig{
			{Name: "products", Pattern: "/api/products/**", Service: "catalog-service"},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*GatewayConfig)
		wantPath string
	}{
		{name: "valid", mutate: func(*GatewayConfig) {}},
		{
			name:     "no routes",
			mutate:   func(c *GatewayConfig) { c.Routes = nil },
			wantPath: "routes",
		},
		{
			name: "duplicate route name",
			mutate: func(c *GatewayConfig) {
				c.Routes = append(c.Routes, RouteConfig{Name: "products", Pattern: "/x", Service: "s"})
			},
			wantPath: "routes[1].name",
		},
		{
			name:     "relative pattern",
			mutate:   func(c *GatewayConfig) { c.Routes[0].Pattern = "api" },
			wantPath: "routes[0].pattern",
		},
		{
			name:     "missing service",
			mutate:   func(c *GatewayConfig) { c.Routes[0].Service = "" },
			wantPath: "routes[0].service",
		},
		{
			name:     "bad method",
			mutate:   func(c *GatewayConfig) { c.Routes[0].Methods = []string{"FETCH"} },
			wantPath: "routes[0].methods[0]",
		},
		{
			name:     "bad trusted proxy",
			mutate:   func(c *GatewayConfig) { c.RateLimit.TrustedProxies = []string{"10.0.0.0/8", "proxy.local"} },
			wantPath: "rateLimit.trustedProxies[1]",
		},
		{
			name: "bad route policy",
			mutate: func(c *GatewayConfig) {
				c.Routes[0].RateLimit = &PolicyConfig{Capacity: 0, RefillPerSecond: 1}
			},
			wantPath: "routes[0].rateLimit.capacity",
		},
		{
			name:     "auth without jwt",
			mutate:   func(c *GatewayConfig) { c.Routes[0].Auth = &RouteAuthConfig{Required: true} },
			wantPath: "routes[0].auth",
		},
		{
			name: "tls without key",
			mutate: func(c *GatewayConfig) {
				c.Server.TLS = &TLSConfig{CertFile: "/etc/storegw/tls.crt"}
			},
			wantPath: "server.tls",
		},
		{
			name: "tls bad version",
			mutate: func(c *GatewayConfig) {
				c.Server.TLS = &TLSConfig{CertFile: "c", KeyFile: "k", MinVersion: "1.1"}
			},
			wantPath: "server.tls.minVersion",
		},
		{
			name:     "jwt without key",
			mutate:   func(c *GatewayConfig) { c.Auth.JWT = &JWTConfig{} },
			wantPath: "auth.jwt",
		},
		{
			name:     "unknown source",
			mutate:   func(c *GatewayConfig) { c.Registry.Source = "consul" },
			wantPath: "registry.source",
		},
		{
			name:     "etcd without endpoints",
			mutate:   func(c *GatewayConfig) { c.Registry.Source = SourceEtcd },
			wantPath: "registry.etcd.endpoints",
		},
		{
			name:     "bad breaker scope",
			mutate:   func(c *GatewayConfig) { c.CircuitBreaker.Scope = "route" },
			wantPath: "circuitBreaker.scope",
		},
		{
			name:     "max cooldown below cooldown",
			mutate:   func(c *GatewayConfig) { c.CircuitBreaker.MaxCooldown = 1 },
			wantPath: "circuitBreaker.maxCooldown",
		},
		{
			name:     "redis cache without address",
			mutate:   func(c *GatewayConfig) { c.Cache.Backend = CacheBackendRedis },
			wantPath: "cache.redis.address",
		},
		{
			name:     "bad identity",
			mutate:   func(c *GatewayConfig) { c.RateLimit.Identity = []string{"cookie"} },
			wantPath: "rateLimit.identity[0]",
		},
		{
			name:     "admin on server port",
			mutate:   func(c *GatewayConfig) { c.Admin.Address = c.Server.Address },
			wantPath: "admin.address",
		},
		{
			name:     "bad log level",
			mutate:   func(c *GatewayConfig) { c.Logging.Level = "trace" },
			wantPath: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if tt.wantPath == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrConfigInvalid)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			paths := make([]string, 0, len(verrs))
			for _, e := range verrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.wantPath)
		})
	}
}

func TestValidateConfig_Nil(t *testing.T) {
	t.Parallel()
	assert.Error(t, ValidateConfig(nil))
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: bad", ValidationErrors{{Path: "a", Message: "bad"}}.Error())
	assert.Contains(t, ValidationErrors{{Path: "a", Message: "x"}, {Message: "y"}}.Error(), "2 validation errors")
}
