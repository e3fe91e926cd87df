// Package balancer picks a backend instance for a request.
package balancer

import (
	"sync/atomic"

	"github.com/vyrodovalexey/storegw/internal/registry"
	"github.com/vyrodovalexey/storegw/internal/util"
)

// AcceptFunc lets the caller veto a candidate. A non-nil error skips the
// instance and is returned if every candidate is vetoed.
type AcceptFunc func(inst registry.Instance) error

// RoundRobin rotates over the selectable instances of each service.
type RoundRobin struct {
	counters *util.ShardedMap[*atomic.Uint64]
}

// NewRoundRobin creates a round-robin balancer.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{counters: util.NewShardedMap[*atomic.Uint64](util.DefaultShardCount)}
}

// Select returns the next instance of service. Healthy instances are
// preferred. When none is healthy, instances with unknown health are used
// unless their health is stale. Each call advances the service's pointer
// once, and each candidate is offered to accept at most once.
func (b *RoundRobin) Select(service string, instances []registry.Instance, accept AcceptFunc) (registry.Instance, error) {
	candidates := Candidates(instances)
	if len(candidates) == 0 {
		return registry.Instance{}, util.NewNoHealthyInstanceError(service)
	}

	counter, _ := b.counters.LoadOrCreate(service, func() *atomic.Uint64 {
		return new(atomic.Uint64)
	})
	start := counter.Add(1) - 1
	n := uint64(len(candidates))

	var lastErr error
	for i := uint64(0); i < n; i++ {
		inst := candidates[(start+i)%n]
		if accept == nil {
			return inst, nil
		}
		if err := accept(inst); err != nil {
			lastErr = err
			continue
		}
		return inst, nil
	}
	return registry.Instance{}, lastErr
}

// Forget drops the rotation pointer of a service.
func (b *RoundRobin) Forget(service string) {
	b.counters.Delete(service)
}

// Candidates returns the instances eligible for selection: the healthy ones,
// or in degraded mode the non-stale instances of unknown health.
func Candidates(instances []registry.Instance) []registry.Instance {
	healthy := make([]registry.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Health == registry.HealthHealthy {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) > 0 {
		return healthy
	}

	unknown := make([]registry.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Health == registry.HealthUnknown && !inst.Stale {
			unknown = append(unknown, inst)
		}
	}
	return unknown
}
