// Package circuitbreaker provides per-backend circuit breakers for the gateway.
// A breaker stops traffic to a consistently failing target and lets exactly
// one probe through after a cooldown to test recovery.
package circuitbreaker

import (
	"time"

	"github.com/vyrodovalexey/storegw/internal/config"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the failure count within Window that opens the circuit.
	// Each success decays the count by one.
	FailureThreshold int

	// FailureRatio opens the circuit when the share of failed requests in the
	// window reaches it. Zero disables ratio-based tripping.
	FailureRatio float64

	// MinRequests is the number of requests in the window required before
	// FailureRatio is evaluated.
	MinRequests int

	// Window is the length of the fixed counting window in the closed state.
	Window time.Duration

	// Cooldown is how long the circuit stays open after first tripping.
	Cooldown time.Duration

	// BackoffMultiplier grows the cooldown after each failed probe.
	BackoffMultiplier float64

	// MaxCooldown caps the grown cooldown.
	MaxCooldown time.Duration

	// ProbeTimeout fails a half-open probe that never reports back.
	ProbeTimeout time.Duration

	// IsSuccessful decides whether an Execute result counts as a success.
	// If nil, only a nil error is a success.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:  config.DefaultFailureThreshold,
		MinRequests:       10,
		Window:            config.DefaultBreakerWindow,
		Cooldown:          config.DefaultCooldown,
		BackoffMultiplier: config.DefaultBackoffMultiplier,
		MaxCooldown:       config.DefaultMaxCooldown,
		ProbeTimeout:      config.DefaultProbeTimeout,
	}
}

// FromConfig builds a breaker Config from the gateway configuration.
func FromConfig(c config.CircuitBreakerConfig) *Config {
	cfg := &Config{
		FailureThreshold:  c.FailureThreshold,
		FailureRatio:      c.FailureRatio,
		MinRequests:       c.MinRequests,
		Window:            c.Window.Duration(),
		Cooldown:          c.Cooldown.Duration(),
		BackoffMultiplier: c.BackoffMultiplier,
		MaxCooldown:       c.MaxCooldown.Duration(),
		ProbeTimeout:      c.ProbeTimeout.Duration(),
	}
	cfg.Normalize()
	return cfg
}

// Normalize replaces out-of-range values with defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.FailureThreshold < 1 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0
	}
	if c.MinRequests < 1 {
		c.MinRequests = def.MinRequests
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	if c.ProbeTimeout < 0 {
		c.ProbeTimeout = 0
	}
}

// WithFailureThreshold sets the failure threshold.
func (c *Config) WithFailureThreshold(n int) *Config {
	c.FailureThreshold = n
	return c
}

// WithCooldown sets the base cooldown.
func (c *Config) WithCooldown(d time.Duration) *Config {
	c.Cooldown = d
	return c
}

// WithWindow sets the counting window.
func (c *Config) WithWindow(d time.Duration) *Config {
	c.Window = d
	return c
}

// WithFailureRatio sets the failure ratio threshold and its minimum request count.
func (c *Config) WithFailureRatio(ratio float64, minRequests int) *Config {
	c.FailureRatio = ratio
	c.MinRequests = minRequests
	return c
}

// WithIsSuccessful sets the success check function.
func (c *Config) WithIsSuccessful(fn func(err error) bool) *Config {
	c.IsSuccessful = fn
	return c
}

// nextCooldown returns the cooldown following a failed probe.
func (c *Config) nextCooldown(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * c.BackoffMultiplier)
	if next > c.MaxCooldown {
		return c.MaxCooldown
	}
	return next
}
