package cache

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/observability"
	"github.com/vyrodovalexey/storegw/internal/util"
)

const backendMemory = "memory"

var _ Cache = (*MemoryCache)(nil)

// MemoryCache is an in-process cache over a sharded map of immutable entry
// pointers. When full, expired entries are dropped first, then the oldest.
type MemoryCache struct {
	entries    *util.ShardedMap[*Entry]
	maxEntries int
	now        func() time.Time
	logger     observability.Logger
	metrics    *Metrics

	evictMu  sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// NewMemoryCache creates a memory cache. A positive sweep interval starts a
// janitor that removes expired entries.
func NewMemoryCache(maxEntries int, sweepInterval time.Duration, logger observability.Logger, opts ...MemoryOption) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = config.DefaultCacheMaxEntries
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	c := &MemoryCache{
		entries:    util.NewShardedMap[*Entry](util.DefaultShardCount),
		maxEntries: maxEntries,
		now:        time.Now,
		logger:     logger,
		metrics:    GetMetrics(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if sweepInterval > 0 {
		go c.janitor(sweepInterval)
	} else {
		close(c.done)
	}
	return c
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, signature string) (*Entry, error) {
	entry, ok := c.entries.Load(signature)
	if !ok || entry.Expired(c.now()) {
		c.metrics.missesTotal.WithLabelValues(backendMemory).Inc()
		return nil, ErrCacheMiss
	}
	c.metrics.hitsTotal.WithLabelValues(backendMemory).Inc()
	return entry, nil
}

// Put implements Cache. The stored pointer is replaced, never mutated.
func (c *MemoryCache) Put(_ context.Context, signature string, entry *Entry, ttl time.Duration) error {
	if ttl > 0 {
		clone := *entry
		clone.ExpiresAt = clone.StoredAt.Add(ttl)
		entry = &clone
	}

	if _, exists := c.entries.Load(signature); !exists && c.entries.Len() >= c.maxEntries {
		c.makeRoom()
	}

	c.entries.Store(signature, entry)
	c.metrics.sizeGauge.WithLabelValues(backendMemory).Set(float64(c.entries.Len()))
	return nil
}

// makeRoom drops expired entries and, if the cache is still full, the
// oldest one.
func (c *MemoryCache) makeRoom() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	if c.entries.Len() < c.maxEntries {
		return
	}

	if n := c.Sweep(); n > 0 && c.entries.Len() < c.maxEntries {
		return
	}

	var (
		oldestKey string
		oldestAt  time.Time
	)
	c.entries.Range(func(key string, e *Entry) bool {
		if oldestKey == "" || e.StoredAt.Before(oldestAt) {
			oldestKey, oldestAt = key, e.StoredAt
		}
		return true
	})
	if oldestKey != "" {
		c.entries.Delete(oldestKey)
		c.metrics.evictionsTotal.WithLabelValues(backendMemory).Inc()
	}
}

// Sweep removes expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	n := c.entries.DeleteIf(func(_ string, e *Entry) bool {
		return e.Expired(now)
	})
	if n > 0 {
		c.metrics.evictionsTotal.WithLabelValues(backendMemory).Add(float64(n))
		c.metrics.sizeGauge.WithLabelValues(backendMemory).Set(float64(c.entries.Len()))
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}

// Purge implements Cache.
func (c *MemoryCache) Purge(_ context.Context) error {
	c.entries.Clear()
	c.metrics.sizeGauge.WithLabelValues(backendMemory).Set(0)
	return nil
}

func (c *MemoryCache) janitor(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept expired cache entries", observability.Int("count", n))
			}
		case <-c.stop:
			return
		}
	}
}

// Close implements Cache. Safe to call multiple times.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
	return nil
}
