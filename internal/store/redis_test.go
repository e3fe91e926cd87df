package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/storegw/internal/config"
)

func TestConnect(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Address: mr.Addr()})
	defer func() { _ = client.Close() }()

	require.NoError(t, Connect(context.Background(), client, 0, zap.NewNop()))
	assert.Equal(t, "PONG", client.Ping(context.Background()).Val())
}

func TestConnect_Unreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := NewRedisClient(config.RedisConfig{Address: addr, DialTimeout: config.Duration(100 * time.Millisecond)})
	defer func() { _ = client.Close() }()

	err := Connect(context.Background(), client, 1, nil)
	assert.Error(t, err)
}

func TestConnect_CanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := NewRedisClient(config.RedisConfig{Address: addr, DialTimeout: config.Duration(50 * time.Millisecond)})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Connect(ctx, client, 5, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecorrelatedJitterBackoff(t *testing.T) {
	t.Parallel()

	b := newDecorrelatedJitterBackoff(100*time.Millisecond, time.Second)
	assert.Equal(t, 100*time.Millisecond, b.next(0))

	for attempt := 1; attempt < 10; attempt++ {
		d := b.next(attempt)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}
