package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/vyrodovalexey/storegw/internal/util"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Is reports validation failures as util.ErrConfigInvalid.
func (e ValidationErrors) Is(target error) bool {
	return target == util.ErrConfigInvalid
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(cfg *GatewayConfig) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns every problem found.
// Route patterns are compiled and checked again by the router.
func (v *Validator) Validate(cfg *GatewayConfig) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(cfg)
	v.validateLogging(&cfg.Logging)
	v.validateTracing(&cfg.Tracing)
	v.validateRegistry(&cfg.Registry)
	v.validateBreaker(&cfg.CircuitBreaker)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateCache(&cfg.Cache)
	v.validateAuth(cfg)
	v.validateRoutes(cfg.Routes)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) validateServer(cfg *GatewayConfig) {
	if cfg.Server.Address == "" {
		v.addError("server.address", "address is required")
	}
	if cfg.Server.MaxBodyBytes < 0 {
		v.addError("server.maxBodyBytes", "must not be negative")
	}
	if t := cfg.Server.TLS; t != nil {
		if t.CertFile == "" || t.KeyFile == "" {
			v.addError("server.tls", "certFile and keyFile are required")
		}
		switch t.MinVersion {
		case "", "1.2", "1.3":
		default:
			v.addError("server.tls.minVersion", fmt.Sprintf("unsupported version %q", t.MinVersion))
		}
	}
	if cfg.Admin.IsEnabled() && cfg.Admin.Address == cfg.Server.Address {
		v.addError("admin.address", "must differ from server.address")
	}
	if cfg.Proxy.MaxResponseBytes < 0 {
		v.addError("proxy.maxResponseBytes", "must not be negative")
	}
}

func (v *Validator) validateLogging(l *LoggingConfig) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("unsupported level %q", l.Level))
	}
	switch l.Format {
	case "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("unsupported format %q", l.Format))
	}
}

func (v *Validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "must be between 0 and 1")
	}
	if t.Enabled && t.OTLPEndpoint == "" {
		v.addError("tracing.otlpEndpoint", "endpoint is required when tracing is enabled")
	}
}

func (v *Validator) validateRegistry(r *RegistryConfig) {
	const path = "registry"

	if err := util.ValidatePositiveDuration(r.RefreshInterval.Duration()); err != nil {
		v.addError(path+".refreshInterval", err.Error())
	}
	if err := util.ValidatePositiveDuration(r.StalenessBound.Duration()); err != nil {
		v.addError(path+".stalenessBound", err.Error())
	}
	if r.HeartbeatTTL < 0 {
		v.addError(path+".heartbeatTTL", "must not be negative")
	}

	switch r.Source {
	case SourceHTTP:
		if r.HTTP == nil {
			v.addError(path+".http", "http source requires http settings")
			return
		}
		if err := util.ValidateURL(r.HTTP.URL); err != nil {
			v.addError(path+".http.url", err.Error())
		}
	case SourceEtcd:
		if r.Etcd == nil || len(r.Etcd.Endpoints) == 0 {
			v.addError(path+".etcd.endpoints", "at least one endpoint is required")
		}
	case SourceKubernetes:
		if r.Kubernetes == nil {
			v.addError(path+".kubernetes", "kubernetes source requires kubernetes settings")
		}
	case SourceFile:
		if r.File == nil || r.File.Path == "" {
			v.addError(path+".file.path", "path is required")
		}
	case "":
		v.addError(path+".source", "source is required")
	default:
		v.addError(path+".source", fmt.Sprintf("unsupported source %q", r.Source))
	}
}

func (v *Validator) validateBreaker(cb *CircuitBreakerConfig) {
	const path = "circuitBreaker"

	if cb.Scope != ScopeInstance && cb.Scope != ScopeService {
		v.addError(path+".scope", "scope must be instance or service")
	}
	if cb.FailureThreshold < 1 {
		v.addError(path+".failureThreshold", "must be at least 1")
	}
	if cb.FailureRatio < 0 || cb.FailureRatio > 1 {
		v.addError(path+".failureRatio", "must be between 0 and 1")
	}
	if cb.MinRequests < 0 {
		v.addError(path+".minRequests", "must not be negative")
	}
	if cb.BackoffMultiplier < 1 {
		v.addError(path+".backoffMultiplier", "must be at least 1")
	}
	if cb.MaxCooldown < cb.Cooldown {
		v.addError(path+".maxCooldown", "must not be shorter than cooldown")
	}
	for name, d := range map[string]Duration{
		"window":       cb.Window,
		"cooldown":     cb.Cooldown,
		"probeTimeout": cb.ProbeTimeout,
	} {
		if err := util.ValidatePositiveDuration(d.Duration()); err != nil {
			v.addError(path+"."+name, err.Error())
		}
	}
}

func (v *Validator) validateRateLimit(rl *RateLimitConfig) {
	const path = "rateLimit"

	if rl.Default != nil {
		v.validatePolicy(rl.Default, path+".default")
	}
	for i, id := range rl.Identity {
		switch id {
		case IdentityJWT, IdentityAPIKey, IdentityIP:
		default:
			v.addError(fmt.Sprintf("%s.identity[%d]", path, i), fmt.Sprintf("unsupported strategy %q", id))
		}
	}
	if err := util.ValidateHeaderName(rl.APIKeyHeader); err != nil {
		v.addError(path+".apiKeyHeader", err.Error())
	}
	for i, key := range rl.APIKeys {
		if key == "" {
			v.addError(fmt.Sprintf("%s.apiKeys[%d]", path, i), "must not be empty")
		}
	}
	for i, p := range rl.TrustedProxies {
		if !isCIDROrIP(p) {
			v.addError(fmt.Sprintf("%s.trustedProxies[%d]", path, i), fmt.Sprintf("invalid CIDR or IP %q", p))
		}
	}
	if rl.Redis != nil && rl.Redis.Address == "" {
		v.addError(path+".redis.address", "address is required")
	}
	if rl.Guard.MaxFailures < 1 {
		v.addError(path+".guard.maxFailures", "must be at least 1")
	}
}

func isCIDROrIP(s string) bool {
	if _, _, err := net.ParseCIDR(s); err == nil {
		return true
	}
	return net.ParseIP(s) != nil
}

func (v *Validator) validatePolicy(p *PolicyConfig, path string) {
	if p.Capacity < 1 {
		v.addError(path+".capacity", "must be at least 1")
	}
	if p.RefillPerSecond <= 0 {
		v.addError(path+".refillPerSecond", "must be positive")
	}
	if p.Weight < 0 || p.Weight > p.Capacity {
		v.addError(path+".weight", "must be between 0 and capacity")
	}
}

func (v *Validator) validateCache(c *CacheConfig) {
	const path = "cache"

	switch c.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.Redis == nil || c.Redis.Address == "" {
			v.addError(path+".redis.address", "address is required for the redis backend")
		}
	default:
		v.addError(path+".backend", fmt.Sprintf("unsupported backend %q", c.Backend))
	}
	if c.MaxEntries < 1 {
		v.addError(path+".maxEntries", "must be at least 1")
	}
	if err := util.ValidatePositiveDuration(c.DefaultTTL.Duration()); err != nil {
		v.addError(path+".defaultTTL", err.Error())
	}
}

func (v *Validator) validateAuth(cfg *GatewayConfig) {
	jwt := cfg.Auth.JWT
	if jwt != nil {
		switch {
		case jwt.Secret == "" && jwt.JWKSURL == "":
			v.addError("auth.jwt", "either secret or jwksURL is required")
		case jwt.Secret != "" && jwt.JWKSURL != "":
			v.addError("auth.jwt", "secret and jwksURL are mutually exclusive")
		case jwt.JWKSURL != "":
			if err := util.ValidateURL(jwt.JWKSURL); err != nil {
				v.addError("auth.jwt.jwksURL", err.Error())
			}
		}
		return
	}

	for i, r := range cfg.Routes {
		if r.Auth != nil && r.Auth.Required {
			v.addError(fmt.Sprintf("routes[%d].auth", i), "route requires auth but auth.jwt is not configured")
		}
	}
}

func (v *Validator) validateRoutes(routes []RouteConfig) {
	if len(routes) == 0 {
		v.addError("routes", "at least one route is required")
		return
	}

	names := make(map[string]bool, len(routes))
	for i, r := range routes {
		path := fmt.Sprintf("routes[%d]", i)

		switch {
		case r.Name == "":
			v.addError(path+".name", "name is required")
		case names[r.Name]:
			v.addError(path+".name", fmt.Sprintf("duplicate route name: %s", r.Name))
		default:
			names[r.Name] = true
		}

		if !strings.HasPrefix(r.Pattern, "/") {
			v.addError(path+".pattern", "pattern must start with /")
		}
		if r.Service == "" {
			v.addError(path+".service", "service is required")
		}
		for j, m := range r.Methods {
			if err := util.ValidateHTTPMethod(m); err != nil {
				v.addError(fmt.Sprintf("%s.methods[%d]", path, j), err.Error())
			}
		}
		if r.Timeout < 0 {
			v.addError(path+".timeout", "must not be negative")
		}
		if r.RateLimit != nil {
			v.validatePolicy(r.RateLimit, path+".rateLimit")
		}
		if r.Cache != nil {
			if r.Cache.TTL < 0 {
				v.addError(path+".cache.ttl", "must not be negative")
			}
			for j, h := range r.Cache.VaryHeaders {
				if err := util.ValidateHeaderName(h); err != nil {
					v.addError(fmt.Sprintf("%s.cache.varyHeaders[%d]", path, j), err.Error())
				}
			}
		}
	}
}
