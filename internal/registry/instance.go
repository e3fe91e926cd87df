// Package registry keeps a locally cached view of live backend instances per
// service. Lookups are served from an immutable snapshot that a background
// refresh replaces atomically, so the request path never waits on I/O.
package registry

import (
	"fmt"
	"strings"
	"time"
)

// Health is the health status of an instance.
type Health int

const (
	// HealthUnknown means no reliable health signal is available.
	HealthUnknown Health = iota
	// HealthHealthy means the instance can take traffic.
	HealthHealthy
	// HealthUnhealthy means the instance must not be selected.
	HealthUnhealthy
)

// String returns the string representation of the health status.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unrecognized values
// decode to HealthUnknown.
func (h *Health) UnmarshalText(b []byte) error {
	*h = ParseHealth(string(b))
	return nil
}

// ParseHealth parses a health string case-insensitively.
func ParseHealth(s string) Health {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "healthy", "up", "passing":
		return HealthHealthy
	case "unhealthy", "down", "critical":
		return HealthUnhealthy
	default:
		return HealthUnknown
	}
}

// Instance is one addressable copy of a service.
type Instance struct {
	ID            string            `json:"id" yaml:"id"`
	Service       string            `json:"service" yaml:"service"`
	Address       string            `json:"address" yaml:"address"`
	Health        Health            `json:"health" yaml:"health"`
	LastHeartbeat time.Time         `json:"lastHeartbeat,omitempty" yaml:"lastHeartbeat,omitempty"`
	Stale         bool              `json:"stale,omitempty" yaml:"-"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Key identifies the instance within the registry as "service/address".
func (i Instance) Key() string {
	return InstanceKey(i.Service, i.Address)
}

// InstanceKey builds the key of an instance.
func InstanceKey(service, address string) string {
	return service + "/" + address
}

// Validate checks the fields every source must fill.
func (i Instance) Validate() error {
	if i.Service == "" {
		return fmt.Errorf("instance %q: service is required", i.ID)
	}
	if i.Address == "" {
		return fmt.Errorf("instance %q of %s: address is required", i.ID, i.Service)
	}
	return nil
}

// normalize fills defaults that sources may leave out.
func (i Instance) normalize(service string) Instance {
	if i.Service == "" {
		i.Service = service
	}
	if i.ID == "" {
		i.ID = i.Address
	}
	return i
}
