// Package config provides configuration management for the gateway.
// Configuration is loaded from a YAML file with ${VAR:-default} environment
// substitution, completed with defaults and validated before use.
package config

import "time"

// Registry source kinds.
const (
	SourceHTTP       = "http"
	SourceEtcd       = "etcd"
	SourceKubernetes = "kubernetes"
	SourceFile       = "file"
)

// Circuit breaker key scopes.
const (
	ScopeInstance = "instance"
	ScopeService  = "service"
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Client identity strategies, tried in the configured order.
const (
	IdentityJWT    = "jwt"
	IdentityAPIKey = "api_key"
	IdentityIP     = "ip"
)

// Default values applied by SetDefaults.
const (
	DefaultServerAddress      = ":8080"
	DefaultAdminAddress       = ":9090"
	DefaultReadTimeout        = 30 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultIdleTimeout        = 120 * time.Second
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultMaxBodyBytes       = 10 << 20
	DefaultRefreshInterval    = 10 * time.Second
	DefaultStalenessBound     = 60 * time.Second
	DefaultRegistryTimeout    = 5 * time.Second
	DefaultEtcdPrefix         = "/services"
	DefaultFailureThreshold   = 5
	DefaultBreakerWindow      = 10 * time.Second
	DefaultCooldown           = 30 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultMaxCooldown        = 5 * time.Minute
	DefaultProbeTimeout       = 10 * time.Second
	DefaultLimiterIdleTTL     = 10 * time.Minute
	DefaultAPIKeyHeader       = "X-Api-Key"
	DefaultRateLimitKeyPrefix = "storegw:ratelimit:"
	DefaultCacheKeyPrefix     = "storegw:cache:"
	DefaultCacheTTL           = 30 * time.Second
	DefaultCacheMaxEntries    = 10000
	DefaultCacheMaxEntryBytes = 1 << 20
	DefaultCacheSweep         = time.Minute
	DefaultRouteTimeout       = 30 * time.Second
	DefaultMaxResponseBytes   = 10 << 20
	DefaultGuardMaxFailures   = 5
	DefaultGuardTimeout       = 10 * time.Second
)

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Registry       RegistryConfig       `yaml:"registry" json:"registry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	Proxy          ProxyConfig          `yaml:"proxy" json:"proxy"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	Routes         []RouteConfig        `yaml:"routes" json:"routes"`
}

// ServerConfig configures the inbound listener.
type ServerConfig struct {
	Address         string     `yaml:"address" json:"address"`
	ReadTimeout     Duration   `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration   `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration   `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration   `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	MaxBodyBytes    int64      `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	TLS             *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// TLSConfig enables TLS termination on the gateway listener.
type TLSConfig struct {
	CertFile string `yaml:"certFile" json:"certFile"`
	KeyFile  string `yaml:"keyFile" json:"keyFile"`

	// MinVersion is "1.2" or "1.3". It defaults to "1.2".
	MinVersion string `yaml:"minVersion,omitempty" json:"minVersion,omitempty"`
}

// AdminConfig configures the admin, health and metrics listener.
type AdminConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Address string `yaml:"address" json:"address"`

	// AuditOutput receives one JSON audit event per admin operation:
	// "stdout", "stderr" or a file path. Empty disables auditing.
	AuditOutput string `yaml:"auditOutput,omitempty" json:"auditOutput,omitempty"`
}

// IsEnabled reports whether the admin listener runs. It defaults to true.
func (a AdminConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`
}

// RegistryConfig configures service discovery.
type RegistryConfig struct {
	// Source selects the adapter: http, etcd, kubernetes or file.
	Source string `yaml:"source" json:"source"`

	RefreshInterval Duration `yaml:"refreshInterval" json:"refreshInterval"`

	// StalenessBound is the age after which a service's instances are
	// reported with unknown health.
	StalenessBound Duration `yaml:"stalenessBound" json:"stalenessBound"`

	// HeartbeatTTL drops instances whose last heartbeat is older. Zero disables.
	HeartbeatTTL Duration `yaml:"heartbeatTTL" json:"heartbeatTTL"`

	HTTP       *HTTPRegistryConfig       `yaml:"http,omitempty" json:"http,omitempty"`
	Etcd       *EtcdRegistryConfig       `yaml:"etcd,omitempty" json:"etcd,omitempty"`
	Kubernetes *KubernetesRegistryConfig `yaml:"kubernetes,omitempty" json:"kubernetes,omitempty"`
	File       *FileRegistryConfig       `yaml:"file,omitempty" json:"file,omitempty"`
}

// HTTPRegistryConfig configures the HTTP registry source.
type HTTPRegistryConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// EtcdRegistryConfig configures the etcd registry source.
type EtcdRegistryConfig struct {
	Endpoints   []string `yaml:"endpoints" json:"endpoints"`
	Prefix      string   `yaml:"prefix" json:"prefix"`
	DialTimeout Duration `yaml:"dialTimeout" json:"dialTimeout"`
	Username    string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string   `yaml:"password,omitempty" json:"-"`
}

// KubernetesRegistryConfig configures the EndpointSlice registry source.
type KubernetesRegistryConfig struct {
	Namespace  string `yaml:"namespace" json:"namespace"`
	Kubeconfig string `yaml:"kubeconfig,omitempty" json:"kubeconfig,omitempty"`
	// PortName selects the endpoint port by name; the first port is used when empty.
	PortName string `yaml:"portName,omitempty" json:"portName,omitempty"`
}

// FileRegistryConfig configures the static file registry source.
type FileRegistryConfig struct {
	Path string `yaml:"path" json:"path"`
}

// CircuitBreakerConfig configures per-backend circuit breakers.
type CircuitBreakerConfig struct {
	Scope             string   `yaml:"scope" json:"scope"`
	FailureThreshold  int      `yaml:"failureThreshold" json:"failureThreshold"`
	FailureRatio      float64  `yaml:"failureRatio" json:"failureRatio"`
	MinRequests       int      `yaml:"minRequests" json:"minRequests"`
	Window            Duration `yaml:"window" json:"window"`
	Cooldown          Duration `yaml:"cooldown" json:"cooldown"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier" json:"backoffMultiplier"`
	MaxCooldown       Duration `yaml:"maxCooldown" json:"maxCooldown"`
	ProbeTimeout      Duration `yaml:"probeTimeout" json:"probeTimeout"`
}

// PolicyConfig is a token bucket policy.
type PolicyConfig struct {
	Capacity        int     `yaml:"capacity" json:"capacity"`
	RefillPerSecond float64 `yaml:"refillPerSecond" json:"refillPerSecond"`
	Weight          int     `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// RateLimitConfig configures client rate limiting.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Default applies to routes without their own policy. Nil leaves them unlimited.
	Default *PolicyConfig `yaml:"default,omitempty" json:"default,omitempty"`

	IdleTTL      Duration `yaml:"idleTTL" json:"idleTTL"`
	Identity     []string `yaml:"identity" json:"identity"`
	APIKeyHeader string   `yaml:"apiKeyHeader" json:"apiKeyHeader"`

	// APIKeys are the keys the api_key identity accepts. Other keys fall
	// through to the next strategy.
	APIKeys []string `yaml:"apiKeys,omitempty" json:"-"`

	// TrustedProxies are CIDRs or addresses whose X-Forwarded-For is
	// believed. Empty means the peer address is the client IP.
	TrustedProxies []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`

	// Redis enables the shared store. Local buckets are used when nil.
	Redis *RedisConfig     `yaml:"redis,omitempty" json:"redis,omitempty"`
	Guard StoreGuardConfig `yaml:"guard" json:"guard"`
}

// StoreGuardConfig configures the breaker around shared store calls.
type StoreGuardConfig struct {
	MaxFailures int      `yaml:"maxFailures" json:"maxFailures"`
	Timeout     Duration `yaml:"timeout" json:"timeout"`
}

// RedisConfig configures a Redis connection.
type RedisConfig struct {
	Address     string   `yaml:"address" json:"address"`
	Password    string   `yaml:"password,omitempty" json:"-"`
	DB          int      `yaml:"db" json:"db"`
	KeyPrefix   string   `yaml:"keyPrefix" json:"keyPrefix"`
	PoolSize    int      `yaml:"poolSize,omitempty" json:"poolSize,omitempty"`
	DialTimeout Duration `yaml:"dialTimeout,omitempty" json:"dialTimeout,omitempty"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled         bool         `yaml:"enabled" json:"enabled"`
	Backend         string       `yaml:"backend" json:"backend"`
	DefaultTTL      Duration     `yaml:"defaultTTL" json:"defaultTTL"`
	MaxEntries      int          `yaml:"maxEntries" json:"maxEntries"`
	MaxEntryBytes   int64        `yaml:"maxEntryBytes" json:"maxEntryBytes"`
	CleanupInterval Duration     `yaml:"cleanupInterval" json:"cleanupInterval"`
	Redis           *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// ProxyConfig configures backend forwarding.
type ProxyConfig struct {
	DefaultTimeout      Duration `yaml:"defaultTimeout" json:"defaultTimeout"`
	MaxResponseBytes    int64    `yaml:"maxResponseBytes" json:"maxResponseBytes"`
	MaxIdleConnsPerHost int      `yaml:"maxIdleConnsPerHost" json:"maxIdleConnsPerHost"`
	IdleConnTimeout     Duration `yaml:"idleConnTimeout" json:"idleConnTimeout"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	JWT *JWTConfig `yaml:"jwt,omitempty" json:"jwt,omitempty"`
}

// JWTConfig configures JWT validation. Exactly one of Secret or JWKSURL is set.
type JWTConfig struct {
	Secret    string   `yaml:"secret,omitempty" json:"-"`
	Algorithm string   `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
	JWKSURL   string   `yaml:"jwksURL,omitempty" json:"jwksURL,omitempty"`
	Issuer    string   `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience  string   `yaml:"audience,omitempty" json:"audience,omitempty"`
	ClockSkew Duration `yaml:"clockSkew,omitempty" json:"clockSkew,omitempty"`
}

// RouteConfig defines one route.
type RouteConfig struct {
	Name    string         `yaml:"name" json:"name"`
	Pattern string         `yaml:"pattern" json:"pattern"`
	Service string         `yaml:"service" json:"service"`
	Methods []string       `yaml:"methods,omitempty" json:"methods,omitempty"`
	Rewrite *RewriteConfig `yaml:"rewrite,omitempty" json:"rewrite,omitempty"`
	Timeout Duration       `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	RateLimit *PolicyConfig     `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	Cache     *RouteCacheConfig `yaml:"cache,omitempty" json:"cache,omitempty"`
	Auth      *RouteAuthConfig  `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// RewriteConfig rewrites the path before forwarding.
type RewriteConfig struct {
	StripPrefix   string `yaml:"stripPrefix,omitempty" json:"stripPrefix,omitempty"`
	ReplacePrefix string `yaml:"replacePrefix,omitempty" json:"replacePrefix,omitempty"`
}

// RouteCacheConfig enables response caching for a route.
type RouteCacheConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	TTL         Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	VaryQuery   []string `yaml:"varyQuery,omitempty" json:"varyQuery,omitempty"`
	VaryHeaders []string `yaml:"varyHeaders,omitempty" json:"varyHeaders,omitempty"`
	Coalesce    bool     `yaml:"coalesce,omitempty" json:"coalesce,omitempty"`
}

// RouteAuthConfig requires an authenticated caller on a route.
type RouteAuthConfig struct {
	Required bool `yaml:"required" json:"required"`
}

// ServiceNames returns the distinct backend services referenced by routes,
// in route order.
func (c *GatewayConfig) ServiceNames() []string {
	seen := make(map[string]struct{}, len(c.Routes))
	names := make([]string, 0, len(c.Routes))
	for _, r := range c.Routes {
		if r.Service == "" {
			continue
		}
		if _, ok := seen[r.Service]; ok {
			continue
		}
		seen[r.Service] = struct{}{}
		names = append(names, r.Service)
	}
	return names
}

// DefaultConfig returns a configuration with every default applied and no routes.
func DefaultConfig() *GatewayConfig {
	cfg := &GatewayConfig{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values with defaults.
func (c *GatewayConfig) SetDefaults() {
	setDefaultString(&c.Server.Address, DefaultServerAddress)
	setDefaultDuration(&c.Server.ReadTimeout, DefaultReadTimeout)
	setDefaultDuration(&c.Server.WriteTimeout, DefaultWriteTimeout)
	setDefaultDuration(&c.Server.IdleTimeout, DefaultIdleTimeout)
	setDefaultDuration(&c.Server.ShutdownTimeout, DefaultShutdownTimeout)
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}

	setDefaultString(&c.Admin.Address, DefaultAdminAddress)

	setDefaultString(&c.Logging.Level, "info")
	setDefaultString(&c.Logging.Format, "json")
	setDefaultString(&c.Logging.Output, "stdout")

	setDefaultString(&c.Tracing.ServiceName, "storegw")
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}

	setDefaultString(&c.Metrics.Namespace, "storegw")

	c.setRegistryDefaults()
	c.setBreakerDefaults()
	c.setRateLimitDefaults()
	c.setCacheDefaults()

	setDefaultDuration(&c.Proxy.DefaultTimeout, DefaultRouteTimeout)
	if c.Proxy.MaxResponseBytes == 0 {
		c.Proxy.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if c.Proxy.MaxIdleConnsPerHost == 0 {
		c.Proxy.MaxIdleConnsPerHost = 100
	}
	setDefaultDuration(&c.Proxy.IdleConnTimeout, 90*time.Second)

	if c.Auth.JWT != nil {
		setDefaultDuration(&c.Auth.JWT.ClockSkew, 30*time.Second)
		if c.Auth.JWT.Secret != "" {
			setDefaultString(&c.Auth.JWT.Algorithm, "HS256")
		}
	}
}

func (c *GatewayConfig) setRegistryDefaults() {
	r := &c.Registry
	setDefaultDuration(&r.RefreshInterval, DefaultRefreshInterval)
	setDefaultDuration(&r.StalenessBound, DefaultStalenessBound)
	if r.HTTP != nil {
		setDefaultDuration(&r.HTTP.Timeout, DefaultRegistryTimeout)
	}
	if r.Etcd != nil {
		setDefaultString(&r.Etcd.Prefix, DefaultEtcdPrefix)
		setDefaultDuration(&r.Etcd.DialTimeout, DefaultRegistryTimeout)
	}
	if r.Kubernetes != nil {
		setDefaultString(&r.Kubernetes.Namespace, "default")
	}
}

func (c *GatewayConfig) setBreakerDefaults() {
	cb := &c.CircuitBreaker
	setDefaultString(&cb.Scope, ScopeInstance)
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = DefaultFailureThreshold
	}
	setDefaultDuration(&cb.Window, DefaultBreakerWindow)
	setDefaultDuration(&cb.Cooldown, DefaultCooldown)
	if cb.BackoffMultiplier == 0 {
		cb.BackoffMultiplier = DefaultBackoffMultiplier
	}
	setDefaultDuration(&cb.MaxCooldown, DefaultMaxCooldown)
	setDefaultDuration(&cb.ProbeTimeout, DefaultProbeTimeout)
}

func (c *GatewayConfig) setRateLimitDefaults() {
	rl := &c.RateLimit
	setDefaultDuration(&rl.IdleTTL, DefaultLimiterIdleTTL)
	if len(rl.Identity) == 0 {
		rl.Identity = []string{IdentityJWT, IdentityAPIKey, IdentityIP}
	}
	setDefaultString(&rl.APIKeyHeader, DefaultAPIKeyHeader)
	if rl.Redis != nil {
		setDefaultString(&rl.Redis.KeyPrefix, DefaultRateLimitKeyPrefix)
	}
	if rl.Guard.MaxFailures == 0 {
		rl.Guard.MaxFailures = DefaultGuardMaxFailures
	}
	setDefaultDuration(&rl.Guard.Timeout, DefaultGuardTimeout)
}

func (c *GatewayConfig) setCacheDefaults() {
	cc := &c.Cache
	setDefaultString(&cc.Backend, CacheBackendMemory)
	setDefaultDuration(&cc.DefaultTTL, DefaultCacheTTL)
	if cc.MaxEntries == 0 {
		cc.MaxEntries = DefaultCacheMaxEntries
	}
	if cc.MaxEntryBytes == 0 {
		cc.MaxEntryBytes = DefaultCacheMaxEntryBytes
	}
	setDefaultDuration(&cc.CleanupInterval, DefaultCacheSweep)
	if cc.Redis != nil {
		setDefaultString(&cc.Redis.KeyPrefix, DefaultCacheKeyPrefix)
	}
}

func setDefaultString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setDefaultDuration(field *Duration, value time.Duration) {
	if *field == 0 {
		*field = Duration(value)
	}
}
