package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *Config {
	return &Config{
		FailureThreshold:  5,
		Window:            10 * time.Second,
		Cooldown:          30 * time.Second,
		BackoffMultiplier: 2,
		MaxCooldown:       100 * time.Second,
		ProbeTimeout:      10 * time.Second,
	}
}

func newTestBreaker(t *testing.T, name string, clock *fakeClock, cfg *Config) (*CircuitBreaker, *[]StateChange) {
	t.Helper()
	var mu sync.Mutex
	changes := &[]StateChange{}
	cb := NewCircuitBreaker(name, cfg, zap.NewNop(),
		WithClock(clock.Now),
		WithStateChangeListener(func(c StateChange) {
			mu.Lock()
			*changes = append(*changes, c)
			mu.Unlock()
		}),
	)
	return cb, changes
}

func fail(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		gen, err := cb.Allow(ctx)
		require.NoError(t, err)
		cb.Done(ctx, gen, false)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb, changes := newTestBreaker(t, "orders/a-threshold", clock, testConfig())

	fail(t, cb, 4)
	assert.Equal(t, StateClosed, cb.State())

	fail(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Allow(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	require.Len(t, *changes, 1)
	assert.Equal(t, StateClosed, (*changes)[0].From)
	assert.Equal(t, StateOpen, (*changes)[0].To)
	assert.Equal(t, 30*time.Second, (*changes)[0].Cooldown)
}

func TestCircuitBreaker_SuccessDecaysFailures(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb, _ := newTestBreaker(t, "orders/a-decay", clock, testConfig())
	ctx := context.Background()

	fail(t, cb, 4)
	gen, err := cb.Allow(ctx)
	require.NoError(t, err)
	cb.Done(ctx, gen, true)
	assert.Equal(t, 3, cb.Stats().Failures)

	fail(t, cb, 1)
	assert.Equal(t, StateClosed, cb.State())
	fail(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_WindowResets(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb, _ := newTestBreaker(t, "orders/a-window", clock, testConfig())

	fail(t, cb, 4)
	clock.Advance(11 * time.Second)
	fail(t, cb, 4)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 4, cb.Stats().Failures)
}

func TestCircuitBreaker_FailureRatio(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cfg := testConfig().WithFailureThreshold(100).WithFailureRatio(0.5, 4)
	cb, _ := newTestBreaker(t, "orders/a-ratio", clock, cfg)
	ctx := context.Background()

	for _, ok := range []bool{true, false, true} {
		gen, err := cb.Allow(ctx)
		require.NoError(t, err)
		cb.Done(ctx, gen, ok)
	}
	assert.Equal(t, StateClosed, cb.State())

	fail(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		probeSuccess bool
		wantState    State
		wantCooldown time.Duration
	}{
		{name: "probe success closes", probeSuccess: true, wantState: StateClosed, wantCooldown: 30 * time.Second},
		{name: "probe failure reopens with backoff", probeSuccess: false, wantState: StateOpen, wantCooldown: 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := newFakeClock()
			cb, changes := newTestBreaker(t, "orders/a-"+tt.name, clock, testConfig())
			ctx := context.Background()

			fail(t, cb, 5)
			clock.Advance(29 * time.Second)
			_, err := cb.Allow(ctx)
			require.ErrorIs(t, err, ErrCircuitOpen)

			clock.Advance(time.Second)
			gen, err := cb.Allow(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateHalfOpen, cb.State())

			cb.Done(ctx, gen, tt.probeSuccess)
			assert.Equal(t, tt.wantState, cb.State())
			assert.Equal(t, tt.wantCooldown, cb.Stats().Cooldown)

			// Closed -> Open -> HalfOpen -> {Closed|Open}; no state skipped.
			require.Len(t, *changes, 3)
			assert.Equal(t, StateOpen, (*changes)[1].From)
			assert.Equal(t, StateHalfOpen, (*changes)[1].To)
			assert.Equal(t, StateHalfOpen, (*changes)[2].From)
			assert.Equal(t, tt.wantState, (*changes)[2].To)
		})
	}
}

func TestCircuitBreaker_BackoffCapped(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb, _ := newTestBreaker(t, "orders/a-backoff", clock, testConfig())
	ctx := context.Background()

	fail(t, cb, 5)
	expected := []time.Duration{60 * time.Second, 100 * time.Second, 100 * time.Second}
	for _, want := range expected {
		clock.Advance(cb.Stats().Cooldown)
		gen, err := cb.Allow(ctx)
		require.NoError(t, err)
		cb.Done(ctx, gen, false)
		assert.Equal(t, want, cb.Stats().Cooldown)
	}

	clock.Advance(cb.Stats().Cooldown)
	gen, err := cb.Allow(ctx)
	require.NoError(t, err)
	cb.Done(ctx, gen, true)
	assert.Equal(t, 30*time.Second, cb.Stats().Cooldown)
}

func TestCircuitBreaker_ExactlyOneProbe(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb, _ := newTestBreaker(t, "orders/a-probe", clock, testConfig())
	ctx := context.Background()

	fail(t, cb, 5)
	clock.Advance(30 * time.Second)

	const n = 50
	var admitted, rejected atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := cb.Allow(ctx); err != nil {
				assert.ErrorIs(t, err, ErrCircuitOpen)
				rejected.Add(1)
				return
			}
			admitted.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(n-1), rejected.Load())
	assert.True(t, cb.Stats().ProbeInFlight)
}

func TestCircuitBreaker_StaleGenerationIgnored(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb, _ := newTestBreaker(t, "orders/a-generation", clock, testConfig())
	ctx := context.Background()

	slowGen, err := cb.Allow(ctx)
	require.NoError(t, err)

	fail(t, cb, 5)
	clock.Advance(30 * time.Second)
	probeGen, err := cb.Allow(ctx)
	require.NoError(t, err)
	require.NotEqual(t, slowGen, probeGen)

	// The slow request admitted while closed must not close the circuit.
	cb.Done(ctx, slowGen, true)
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Done(ctx, probeGen, true)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ProbeTimeout(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb, _ := newTestBreaker(t, "orders/a-probe-timeout", clock, testConfig())
	ctx := context.Background()

	fail(t, cb, 5)
	clock.Advance(30 * time.Second)
	lostGen, err := cb.Allow(ctx)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	_, err = cb.Allow(ctx)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateHalfOpen, cb.State())

	clock.Advance(5 * time.Second)
	_, err = cb.Allow(ctx)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 60*time.Second, cb.Stats().Cooldown)

	// A late report from the lost probe changes nothing.
	cb.Done(ctx, lostGen, true)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Execute(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cfg := testConfig().WithFailureThreshold(1)
	cb, _ := newTestBreaker(t, "orders/a-execute", clock, cfg)
	ctx := context.Background()
	boom := errors.New("boom")

	calls := 0
	err := cb.Execute(ctx, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, cb.State())

	err = cb.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)

	fallbackErr := errors.New("fallback")
	err = cb.ExecuteWithFallback(ctx, func(context.Context) error { return nil }, func(error) error {
		return fallbackErr
	})
	assert.ErrorIs(t, err, fallbackErr)
}

func TestCircuitBreaker_IsSuccessful(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	notFound := errors.New("not found")
	cfg := testConfig().WithFailureThreshold(1).WithIsSuccessful(func(err error) bool {
		return err == nil || errors.Is(err, notFound)
	})
	cb, _ := newTestBreaker(t, "orders/a-is-successful", clock, cfg)

	_ = cb.Execute(context.Background(), func(context.Context) error { return notFound })
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb, changes := newTestBreaker(t, "orders/a-reset", clock, testConfig())
	ctx := context.Background()

	fail(t, cb, 5)
	cb.Reset(ctx)

	assert.Equal(t, StateClosed, cb.State())
	_, err := cb.Allow(ctx)
	assert.NoError(t, err)
	require.Len(t, *changes, 2)
	assert.Equal(t, StateClosed, (*changes)[1].To)
}

func TestConfig_Normalize(t *testing.T) {
	t.Parallel()

	cfg := &Config{BackoffMultiplier: 0.5, FailureRatio: 2, Cooldown: time.Minute, MaxCooldown: time.Second}
	cfg.Normalize()

	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 0.0, cfg.FailureRatio)
	assert.Equal(t, 1.0, cfg.BackoffMultiplier)
	assert.Equal(t, time.Minute, cfg.MaxCooldown)
	assert.Equal(t, 10*time.Second, cfg.Window)
}

func TestCircuitBreaker_RandomSequenceTakesOnlyAllowedEdges(t *testing.T) {
	t.Parallel()

	allowed := map[State][]State{
		StateClosed:   {StateOpen},
		StateOpen:     {StateHalfOpen},
		StateHalfOpen: {StateClosed, StateOpen},
	}

	for _, seed := range []int64{1, 7, 42, 1337, 20260101} {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewSource(seed))
			clock := newFakeClock()
			cfg := testConfig()
			cfg.FailureThreshold = 3
			cb, changes := newTestBreaker(t, "orders/a-random", clock, cfg)
			ctx := context.Background()

			var held []uint64
			for step := 0; step < 2000; step++ {
				switch rng.Intn(5) {
				case 0:
					clock.Advance(time.Duration(rng.Intn(40)) * time.Second)
				case 1:
					if gen, err := cb.Allow(ctx); err == nil {
						held = append(held, gen)
					}
				case 2:
					if len(held) > 0 {
						i := rng.Intn(len(held))
						cb.Done(ctx, held[i], rng.Intn(2) == 0)
						held = append(held[:i], held[i+1:]...)
					}
				default:
					if gen, err := cb.Allow(ctx); err == nil {
						cb.Done(ctx, gen, rng.Intn(3) == 0)
					}
				}
			}

			require.NotEmpty(t, *changes)
			prev := StateClosed
			for i, c := range *changes {
				assert.Equal(t, prev, c.From, "change %d does not continue from the previous state", i)
				assert.Contains(t, allowed[c.From], c.To, "change %d: %s -> %s", i, c.From, c.To)
				prev = c.To
			}
			assert.Equal(t, prev, cb.State())
		})
	}
}
