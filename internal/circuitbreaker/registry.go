package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/util"
)

// KeyFor returns the breaker key for a backend call under the given scope.
// Instance scope keys by "service/address", service scope by service name.
func KeyFor(scope, service, address string) string {
	if scope == config.ScopeService {
		return service
	}
	return service + "/" + address
}

// Registry manages circuit breakers by key. Breakers are held in a sharded
// map so lookups for unrelated keys do not contend.
type Registry struct {
	breakers *util.ShardedMap[*CircuitBreaker]
	config   *Config
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	listeners []func(StateChange)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the time source for breakers created by the registry.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a new circuit breaker registry.
func NewRegistry(cfg *Config, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Normalize()
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		breakers: util.NewShardedMap[*CircuitBreaker](util.DefaultShardCount),
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStateChange registers a listener for transitions of every breaker.
// Listeners run synchronously after the breaker's lock is released.
func (r *Registry) OnStateChange(fn func(StateChange)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) dispatch(change StateChange) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// Get returns a circuit breaker by key.
func (r *Registry) Get(key string) (*CircuitBreaker, bool) {
	return r.breakers.Load(key)
}

// GetOrCreate returns an existing circuit breaker or creates a new one.
func (r *Registry) GetOrCreate(key string) *CircuitBreaker {
	if cb, ok := r.breakers.Load(key); ok {
		return cb
	}

	cb, created := r.breakers.LoadOrCreate(key, func() *CircuitBreaker {
		return NewCircuitBreaker(key, r.config, r.logger,
			WithClock(r.now),
			WithStateChangeListener(r.dispatch),
		)
	})
	if created {
		r.logger.Debug("created circuit breaker",
			zap.String("name", key),
		)
	}
	return cb
}

// Remove drops a breaker. The next GetOrCreate for the key starts closed.
func (r *Registry) Remove(key string) bool {
	if _, ok := r.breakers.Delete(key); !ok {
		return false
	}
	forgetMetrics(key)
	r.logger.Debug("removed circuit breaker",
		zap.String("name", key),
	)
	return true
}

// Reset closes the breaker for key. It reports false for unknown keys.
func (r *Registry) Reset(ctx context.Context, key string) bool {
	cb, ok := r.breakers.Load(key)
	if !ok {
		return false
	}
	cb.Reset(ctx)
	return true
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll(ctx context.Context) {
	r.breakers.Range(func(_ string, cb *CircuitBreaker) bool {
		cb.Reset(ctx)
		return true
	})
	r.logger.Info("reset all circuit breakers")
}

// Stats returns statistics for all circuit breakers, ordered by key.
func (r *Registry) Stats() []Stats {
	stats := make([]Stats, 0, r.breakers.Len())
	r.breakers.Range(func(_ string, cb *CircuitBreaker) bool {
		stats = append(stats, cb.Stats())
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

// Count returns the number of circuit breakers in the registry.
func (r *Registry) Count() int {
	return r.breakers.Len()
}
