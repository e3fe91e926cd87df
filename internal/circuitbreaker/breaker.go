package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/storegw/internal/observability"
	"github.com/vyrodovalexey/storegw/internal/util"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates a single probe is testing the backend.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is matched by every rejection from a breaker.
var ErrCircuitOpen = util.ErrCircuitOpen

// StateChange describes one transition of a breaker.
type StateChange struct {
	Key      string
	From     State
	To       State
	At       time.Time
	Cooldown time.Duration
}

// CircuitBreaker implements the circuit breaker pattern for one key.
//
// Allow and Done bracket a call. Every transition starts a new generation;
// results reported for an older generation are dropped, so a slow call
// admitted while closed cannot decide the outcome of a half-open probe.
type CircuitBreaker struct {
	name   string
	config *Config
	logger *zap.Logger
	now    func() time.Time
	notify func(StateChange)

	mu         sync.Mutex
	state      State
	generation uint64

	// Closed-state window counters
	failures       int
	windowFailures int
	windowRequests int
	windowStart    time.Time

	cooldown      time.Duration
	openUntil     time.Time
	probeInFlight bool
	probeStarted  time.Time

	lastFailure     time.Time
	lastStateChange time.Time
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithStateChangeListener sets a callback invoked after every transition,
// outside the breaker's lock.
func WithStateChangeListener(fn func(StateChange)) Option {
	return func(cb *CircuitBreaker) {
		cb.notify = fn
	}
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, cfg *Config, logger *zap.Logger, opts ...Option) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Normalize()

	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:   name,
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}

	now := cb.now()
	cb.cooldown = cfg.Cooldown
	cb.windowStart = now
	cb.lastStateChange = now
	RecordState(name, StateClosed)

	return cb
}

// Allow asks to send one request. On success it returns the generation to
// pass to Done. While open, or while a half-open probe is outstanding, it
// returns an error matching ErrCircuitOpen.
func (cb *CircuitBreaker) Allow(ctx context.Context) (uint64, error) {
	cb.mu.Lock()
	gen, state, changes := cb.allowLocked(cb.now())
	cb.mu.Unlock()

	cb.emit(ctx, changes)

	if gen == 0 {
		RecordRequest(cb.name, false)
		return 0, util.NewCircuitOpenError(cb.name, state.String())
	}
	RecordRequest(cb.name, true)
	return gen, nil
}

// allowLocked returns a zero generation when the caller is rejected.
// Generations start at 1 so zero never names a live generation.
func (cb *CircuitBreaker) allowLocked(now time.Time) (uint64, State, []StateChange) {
	var changes []StateChange

	switch cb.state {
	case StateClosed:
		cb.rollWindow(now)
		return cb.liveGeneration(), StateClosed, nil

	case StateOpen:
		if now.Before(cb.openUntil) {
			return 0, StateOpen, nil
		}
		changes = append(changes, cb.transitionTo(StateHalfOpen, now))
		cb.probeInFlight = true
		cb.probeStarted = now
		return cb.liveGeneration(), StateHalfOpen, changes

	case StateHalfOpen:
		if cb.probeInFlight {
			if cb.config.ProbeTimeout > 0 && now.Sub(cb.probeStarted) >= cb.config.ProbeTimeout {
				cb.logger.Warn("circuit breaker probe timed out",
					zap.String("name", cb.name),
					zap.Duration("timeout", cb.config.ProbeTimeout),
				)
				RecordFailure(cb.name)
				cb.lastFailure = now
				changes = append(changes, cb.reopen(now))
				return 0, StateOpen, changes
			}
			return 0, StateHalfOpen, nil
		}
		cb.probeInFlight = true
		cb.probeStarted = now
		return cb.liveGeneration(), StateHalfOpen, nil
	}

	return 0, cb.state, nil
}

// Done reports the outcome of a request admitted by Allow.
func (cb *CircuitBreaker) Done(ctx context.Context, generation uint64, success bool) {
	cb.mu.Lock()
	change, counted := cb.doneLocked(generation, success, cb.now())
	cb.mu.Unlock()

	if counted {
		if success {
			RecordSuccess(cb.name)
		} else {
			RecordFailure(cb.name)
		}
	}
	cb.emit(ctx, change)
}

func (cb *CircuitBreaker) doneLocked(generation uint64, success bool, now time.Time) ([]StateChange, bool) {
	if generation != cb.liveGeneration() {
		return nil, false
	}

	switch cb.state {
	case StateClosed:
		cb.rollWindow(now)
		cb.windowRequests++
		if success {
			if cb.failures > 0 {
				cb.failures--
			}
			return nil, true
		}
		cb.failures++
		cb.windowFailures++
		cb.lastFailure = now
		if cb.shouldOpen() {
			cb.cooldown = cb.config.Cooldown
			return []StateChange{cb.transitionTo(StateOpen, now)}, true
		}
		return nil, true

	case StateHalfOpen:
		cb.probeInFlight = false
		if success {
			cb.cooldown = cb.config.Cooldown
			return []StateChange{cb.transitionTo(StateClosed, now)}, true
		}
		cb.lastFailure = now
		return []StateChange{cb.reopen(now)}, true
	}

	return nil, false
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, err := cb.Allow(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.Done(ctx, gen, cb.isSuccessful(err))
	return err
}

// ExecuteWithFallback runs fn, calling fallback when the circuit rejects it.
func (cb *CircuitBreaker) ExecuteWithFallback(
	ctx context.Context,
	fn func(context.Context) error,
	fallback func(error) error,
) error {
	err := cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		return fallback(err)
	}
	return err
}

func (cb *CircuitBreaker) isSuccessful(err error) bool {
	if cb.config.IsSuccessful != nil {
		return cb.config.IsSuccessful(err)
	}
	return err == nil
}

func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.failures >= cb.config.FailureThreshold {
		return true
	}
	if cb.config.FailureRatio > 0 && cb.windowRequests >= cb.config.MinRequests {
		ratio := float64(cb.windowFailures) / float64(cb.windowRequests)
		if ratio >= cb.config.FailureRatio {
			return true
		}
	}
	return false
}

// reopen moves a failed half-open circuit back to open with a grown cooldown.
func (cb *CircuitBreaker) reopen(now time.Time) StateChange {
	cb.probeInFlight = false
	cb.cooldown = cb.config.nextCooldown(cb.cooldown)
	return cb.transitionTo(StateOpen, now)
}

func (cb *CircuitBreaker) rollWindow(now time.Time) {
	if now.Sub(cb.windowStart) >= cb.config.Window {
		cb.resetCounters(now)
	}
}

func (cb *CircuitBreaker) resetCounters(now time.Time) {
	cb.failures = 0
	cb.windowFailures = 0
	cb.windowRequests = 0
	cb.windowStart = now
}

func (cb *CircuitBreaker) liveGeneration() uint64 {
	return cb.generation + 1
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState State, now time.Time) StateChange {
	oldState := cb.state
	cb.state = newState
	cb.generation++
	cb.lastStateChange = now
	cb.resetCounters(now)

	if newState == StateOpen {
		cb.openUntil = now.Add(cb.cooldown)
	}
	if newState != StateHalfOpen {
		cb.probeInFlight = false
	}

	return StateChange{
		Key:      cb.name,
		From:     oldState,
		To:       newState,
		At:       now,
		Cooldown: cb.cooldown,
	}
}

// emit publishes transitions. It runs without the lock held.
func (cb *CircuitBreaker) emit(ctx context.Context, changes []StateChange) {
	for _, change := range changes {
		RecordStateChange(change.Key, change.From, change.To)

		fields := []zap.Field{
			zap.String("name", change.Key),
			zap.String("from", change.From.String()),
			zap.String("to", change.To.String()),
		}
		if change.To == StateOpen {
			fields = append(fields, zap.Duration("cooldown", change.Cooldown))
			cb.logger.Warn("circuit breaker state changed", fields...)
		} else {
			cb.logger.Info("circuit breaker state changed", fields...)
		}

		observability.AddSpanEvent(ctx, "circuitbreaker.state_change",
			attribute.String("circuitbreaker.key", change.Key),
			attribute.String("circuitbreaker.from", change.From.String()),
			attribute.String("circuitbreaker.to", change.To.String()),
		)

		if cb.notify != nil {
			cb.notify(change)
		}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset returns the circuit breaker to the closed state with a base cooldown.
func (cb *CircuitBreaker) Reset(ctx context.Context) {
	cb.mu.Lock()
	now := cb.now()
	change := cb.transitionTo(StateClosed, now)
	cb.cooldown = cb.config.Cooldown
	cb.mu.Unlock()

	cb.logger.Info("circuit breaker reset",
		zap.String("name", cb.name),
	)
	if change.From != StateClosed {
		cb.emit(ctx, []StateChange{change})
	}
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns the current statistics of the circuit breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Key:             cb.name,
		State:           cb.state,
		Generation:      cb.liveGeneration(),
		Failures:        cb.failures,
		WindowFailures:  cb.windowFailures,
		WindowRequests:  cb.windowRequests,
		Cooldown:        cb.cooldown,
		OpenUntil:       cb.openUntil,
		ProbeInFlight:   cb.probeInFlight,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}

// Stats holds circuit breaker statistics.
type Stats struct {
	Key             string        `json:"key"`
	State           State         `json:"state"`
	Generation      uint64        `json:"generation"`
	Failures        int           `json:"failures"`
	WindowFailures  int           `json:"windowFailures"`
	WindowRequests  int           `json:"windowRequests"`
	Cooldown        time.Duration `json:"cooldownNs"`
	OpenUntil       time.Time     `json:"openUntil,omitempty"`
	ProbeInFlight   bool          `json:"probeInFlight"`
	LastFailure     time.Time     `json:"lastFailure,omitempty"`
	LastStateChange time.Time     `json:"lastStateChange"`
}

// FailureRatio returns the failure ratio of the current window.
func (s Stats) FailureRatio() float64 {
	if s.WindowRequests == 0 {
		return 0
	}
	return float64(s.WindowFailures) / float64(s.WindowRequests)
}
