package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/storegw/internal/observability"
)

const (
	backendRedis = "redis"

	// retentionJitter spreads Redis key expiry so that entries written
	// together are not dropped together. Freshness is still decided by
	// Entry.ExpiresAt.
	retentionJitter = 0.1

	purgeScanCount = 500
)

var _ Cache = (*RedisCache)(nil)

// RedisCache stores JSON-encoded entries in Redis with SET PX.
type RedisCache struct {
	client  redis.UniversalClient
	prefix  string
	now     func() time.Time
	logger  observability.Logger
	metrics *Metrics
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

// WithRedisClock sets the time source used for expiry checks.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(c *RedisCache) {
		c.now = now
	}
}

// NewRedisCache creates a Redis-backed cache. The client is not owned.
func NewRedisCache(client redis.UniversalClient, prefix string, logger observability.Logger, opts ...RedisOption) *RedisCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	c := &RedisCache{
		client:  client,
		prefix:  prefix,
		now:     time.Now,
		logger:  logger,
		metrics: GetMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get implements Cache. Expiry is re-checked against the entry itself.
func (c *RedisCache) Get(ctx context.Context, signature string) (*Entry, error) {
	data, err := c.client.Get(ctx, c.prefix+signature).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.missesTotal.WithLabelValues(backendRedis).Inc()
		return nil, ErrCacheMiss
	}
	if err != nil {
		c.metrics.errorsTotal.WithLabelValues(backendRedis, "get").Inc()
		return nil, fmt.Errorf("redis cache get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.metrics.errorsTotal.WithLabelValues(backendRedis, "decode").Inc()
		return nil, fmt.Errorf("redis cache decode: %w", err)
	}
	if entry.Expired(c.now()) {
		c.metrics.missesTotal.WithLabelValues(backendRedis).Inc()
		return nil, ErrCacheMiss
	}

	c.metrics.hitsTotal.WithLabelValues(backendRedis).Inc()
	return &entry, nil
}

// Put implements Cache.
func (c *RedisCache) Put(ctx context.Context, signature string, entry *Entry, ttl time.Duration) error {
	if ttl > 0 {
		clone := *entry
		clone.ExpiresAt = clone.StoredAt.Add(ttl)
		entry = &clone
	}

	retention := entry.ExpiresAt.Sub(c.now())
	if retention <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis cache encode: %w", err)
	}

	if err := c.client.Set(ctx, c.prefix+signature, data, applyTTLJitter(retention, retentionJitter)).Err(); err != nil {
		c.metrics.errorsTotal.WithLabelValues(backendRedis, "set").Inc()
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

// Purge implements Cache by deleting every key under the prefix.
func (c *RedisCache) Purge(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", purgeScanCount).Result()
		if err != nil {
			c.metrics.errorsTotal.WithLabelValues(backendRedis, "purge").Inc()
			return fmt.Errorf("redis cache scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.metrics.errorsTotal.WithLabelValues(backendRedis, "purge").Inc()
				return fmt.Errorf("redis cache delete: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return nil
}

// applyTTLJitter extends ttl by up to jitterFactor of itself.
func applyTTLJitter(ttl time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || ttl <= 0 {
		return ttl
	}
	if jitterFactor > 1.0 {
		jitterFactor = 1.0
	}
	//nolint:gosec // TTL jitter does not need a secure source
	return ttl + time.Duration(float64(ttl)*jitterFactor*rand.Float64())
}
