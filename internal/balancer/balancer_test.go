package balancer

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/storegw/internal/registry"
	"github.com/vyrodovalexey/storegw/internal/util"
)

func inst(addr string, h registry.Health) registry.Instance {
	return registry.Instance{ID: addr, Service: "order-service", Address: addr, Health: h}
}

func TestRoundRobin_CyclesHealthy(t *testing.T) {
	t.Parallel()

	instances := []registry.Instance{
		inst("10.0.0.1:80", registry.HealthHealthy),
		inst("10.0.0.2:80", registry.HealthUnhealthy),
		inst("10.0.0.3:80", registry.HealthHealthy),
		inst("10.0.0.4:80", registry.HealthUnknown),
		inst("10.0.0.5:80", registry.HealthHealthy),
	}

	lb := NewRoundRobin()

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		got, err := lb.Select("order-service", instances, nil)
		require.NoError(t, err)
		seen[got.Address]++
	}

	assert.Equal(t, map[string]int{"10.0.0.1:80": 1, "10.0.0.3:80": 1, "10.0.0.5:80": 1}, seen)
}

func TestRoundRobin_DegradedMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		instances []registry.Instance
		want      []string
		wantErr   bool
	}{
		{
			name: "unknown used when none healthy",
			instances: []registry.Instance{
				inst("10.0.0.1:80", registry.HealthUnhealthy),
				inst("10.0.0.2:80", registry.HealthUnknown),
			},
			want: []string{"10.0.0.2:80", "10.0.0.2:80"},
		},
		{
			name: "stale unknown not used",
			instances: []registry.Instance{
				func() registry.Instance {
					i := inst("10.0.0.1:80", registry.HealthUnknown)
					i.Stale = true
					return i
				}(),
			},
			wantErr: true,
		},
		{
			name: "all unhealthy",
			instances: []registry.Instance{
				inst("10.0.0.1:80", registry.HealthUnhealthy),
			},
			wantErr: true,
		},
		{
			name:    "empty",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			lb := NewRoundRobin()
			if tt.wantErr {
				_, err := lb.Select("order-service", tt.instances, nil)
				assert.ErrorIs(t, err, util.ErrNoHealthyInstance)
				return
			}
			for _, want := range tt.want {
				got, err := lb.Select("order-service", tt.instances, nil)
				require.NoError(t, err)
				assert.Equal(t, want, got.Address)
			}
		})
	}
}

func TestRoundRobin_AcceptVeto(t *testing.T) {
	t.Parallel()

	instances := []registry.Instance{
		inst("10.0.0.1:80", registry.HealthHealthy),
		inst("10.0.0.2:80", registry.HealthHealthy),
		inst("10.0.0.3:80", registry.HealthHealthy),
	}
	lb := NewRoundRobin()
	openErr := util.NewCircuitOpenError("order-service/10.0.0.1:80", "open")

	var offered []string
	got, err := lb.Select("order-service", instances, func(i registry.Instance) error {
		offered = append(offered, i.Address)
		if i.Address == "10.0.0.1:80" {
			return openErr
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:80", got.Address)
	assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:80"}, offered)

	calls := 0
	_, err = lb.Select("order-service", instances, func(registry.Instance) error {
		calls++
		return openErr
	})
	assert.ErrorIs(t, err, util.ErrCircuitOpen)
	assert.Equal(t, 3, calls)
}

func TestRoundRobin_ConcurrentFairness(t *testing.T) {
	t.Parallel()

	instances := []registry.Instance{
		inst("10.0.0.1:80", registry.HealthHealthy),
		inst("10.0.0.2:80", registry.HealthHealthy),
		inst("10.0.0.3:80", registry.HealthHealthy),
		inst("10.0.0.4:80", registry.HealthHealthy),
	}
	lb := NewRoundRobin()

	const perWorker = 100
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				got, err := lb.Select("order-service", instances, nil)
				if err != nil {
					continue
				}
				mu.Lock()
				seen[got.Address]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, i := range instances {
		assert.Equal(t, 200, seen[i.Address], i.Address)
	}
}

func TestRoundRobin_IndependentServices(t *testing.T) {
	t.Parallel()

	lb := NewRoundRobin()
	a := []registry.Instance{inst("10.0.0.1:80", registry.HealthHealthy), inst("10.0.0.2:80", registry.HealthHealthy)}

	first, err := lb.Select("order-service", a, nil)
	require.NoError(t, err)
	other, err := lb.Select("catalog-service", a, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Address, other.Address)

	lb.Forget("order-service")
	again, err := lb.Select("order-service", a, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Address, again.Address)
	assert.False(t, errors.Is(err, util.ErrNoHealthyInstance))
}
