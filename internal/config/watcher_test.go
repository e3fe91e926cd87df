package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_NotifiesOnWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "instances.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))

	var calls atomic.Int32
	w, err := NewWatcher(path, func(changed string) {
		assert.Equal(t, path, changed)
		calls.Add(1)
	}, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	// A burst of writes collapses into a single notification.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o600))
	}

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "instances.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))

	var calls atomic.Int32
	w, err := NewWatcher(path, func(string) { calls.Add(1) }, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("b: 1\n"), 0o600))
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, calls.Load())
	assert.NoError(t, w.Stop())
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(filepath.Join(t.TempDir(), "x.yaml"), nil)
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
}
