package gateway

import (
	"strings"

	"github.com/vyrodovalexey/storegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/observability"
	"github.com/vyrodovalexey/storegw/internal/registry"
)

// onBreakerStateChange feeds breaker transitions back into the registry.
// Only instance-scoped breakers name an instance.
func (g *Gateway) onBreakerStateChange(change circuitbreaker.StateChange) {
	if g.scope != config.ScopeInstance {
		return
	}
	service, address, ok := strings.Cut(change.Key, "/")
	if !ok {
		return
	}

	switch change.To {
	case circuitbreaker.StateOpen:
		g.registry.MarkUnhealthy(service, address, change.Cooldown)
		g.logger.Info("instance marked unhealthy by circuit breaker",
			observability.String("service", service),
			observability.String("address", address),
			observability.Duration("cooldown", change.Cooldown),
		)
	case circuitbreaker.StateClosed:
		g.registry.ClearUnhealthy(service, address)
	}
}

// onInstanceRemoved drops the breaker state of an instance that left the
// registry.
func (g *Gateway) onInstanceRemoved(inst registry.Instance) {
	if g.scope != config.ScopeInstance {
		return
	}
	if g.breakers.Remove(circuitbreaker.KeyFor(g.scope, inst.Service, inst.Address)) {
		g.logger.Debug("dropped circuit breaker of removed instance",
			observability.String("service", inst.Service),
			observability.String("address", inst.Address),
		)
	}
}
