package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/storegw/internal/registry"
)

// DependencyType represents the type of dependency.
type DependencyType string

const (
	DependencyTypeRegistry    DependencyType = "registry"
	DependencyTypeCache       DependencyType = "cache"
	DependencyTypeRateLimiter DependencyType = "ratelimiter"
	DependencyTypeCustom      DependencyType = "custom"
)

// DependencyCheck represents a dependency health check.
type DependencyCheck struct {
	name     string
	depType  DependencyType
	checkFn  func(ctx context.Context) error
	critical bool
}

// Name returns the name of the dependency check.
func (d *DependencyCheck) Name() string {
	return d.name
}

// Check performs the dependency health check.
func (d *DependencyCheck) Check(ctx context.Context) error {
	start := time.Now()
	err := d.checkFn(ctx)

	RecordHealthCheck(d.name, string(d.depType), err == nil, time.Since(start))
	return err
}

// IsCritical returns true if the dependency is critical.
func (d *DependencyCheck) IsCritical() bool {
	return d.critical
}

// DependencyCheckOption is a function that configures a DependencyCheck.
type DependencyCheckOption func(*DependencyCheck)

// WithCritical marks the dependency as critical or informational.
func WithCritical(critical bool) DependencyCheckOption {
	return func(d *DependencyCheck) {
		d.critical = critical
	}
}

// NewDependencyCheck creates a new dependency check. Checks are critical
// unless configured otherwise.
func NewDependencyCheck(
	name string,
	depType DependencyType,
	checkFn func(ctx context.Context) error,
	opts ...DependencyCheckOption,
) *DependencyCheck {
	d := &DependencyCheck{
		name:     name,
		depType:  depType,
		checkFn:  checkFn,
		critical: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RedisHealthCheck pings a Redis client.
func RedisHealthCheck(name string, client redis.UniversalClient, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck(name, DependencyTypeCache, func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}, opts...)
}

// registryView is the part of the registry client the checks read.
type registryView interface {
	Ready() bool
	Snapshot() []registry.ServiceView
}

// RegistryReadyCheck fails until the registry completed a first refresh.
func RegistryReadyCheck(client registryView, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck("registry", DependencyTypeRegistry, func(context.Context) error {
		if !client.Ready() {
			return errors.New("registry has not completed a refresh")
		}
		return nil
	}, opts...)
}

// RegistryFreshnessCheck reports services whose instance list is older
// than the staleness bound. It is informational by default.
func RegistryFreshnessCheck(client registryView, opts ...DependencyCheckOption) *DependencyCheck {
	opts = append([]DependencyCheckOption{WithCritical(false)}, opts...)
	return NewDependencyCheck("registry_freshness", DependencyTypeRegistry, func(context.Context) error {
		var stale []string
		for _, view := range client.Snapshot() {
			if view.Stale {
				stale = append(stale, view.Service)
			}
		}
		if len(stale) > 0 {
			return fmt.Errorf("stale services: %s", strings.Join(stale, ", "))
		}
		return nil
	}, opts...)
}

// DegradedCheck reports a component running in a fallback mode. It is
// informational by default.
func DegradedCheck(name string, depType DependencyType, degraded func() bool, reason string, opts ...DependencyCheckOption) *DependencyCheck {
	opts = append([]DependencyCheckOption{WithCritical(false)}, opts...)
	return NewDependencyCheck(name, depType, func(context.Context) error {
		if degraded() {
			return errors.New(reason)
		}
		return nil
	}, opts...)
}
