// Package store creates the Redis clients shared by the rate limiter and the
// response cache.
package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/storegw/internal/config"
)

// Connection retry defaults.
const (
	DefaultConnectRetries = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultPoolSize       = 10
	DefaultReadTimeout    = time.Second
	DefaultWriteTimeout   = time.Second
)

var (
	redisConnectionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_store_connection_retries_total",
			Help: "Total number of Redis connection retry attempts",
		},
	)

	redisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_store_connection_errors_total",
			Help: "Total number of failed Redis connection attempts",
		},
	)
)

// NewRedisClient builds a client from cfg without contacting the server.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		DialTimeout:  cfg.DialTimeout.Or(config.DefaultRegistryTimeout),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
}

// Connect pings the server until it answers, backing off with decorrelated
// jitter between attempts. The client stays usable when Connect fails; its
// callers degrade instead of refusing to start.
func Connect(ctx context.Context, client redis.UniversalClient, retries int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retries < 0 {
		retries = 0
	}

	backoff := newDecorrelatedJitterBackoff(DefaultInitialBackoff, DefaultMaxBackoff)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lastErr = client.Ping(ctx).Err()
		if lastErr == nil {
			if attempt > 0 {
				logger.Info("redis connection established after retry",
					zap.Int("attempt", attempt+1),
				)
			}
			return nil
		}
		redisConnectionErrors.Inc()

		if attempt == retries {
			break
		}

		wait := backoff.next(attempt)
		logger.Debug("redis connection failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", retries),
			zap.Duration("backoff", wait),
			zap.Error(lastErr),
		)
		redisConnectionRetries.Inc()

		select {
		case <-ctx.Done():
			return fmt.Errorf("redis connect canceled during backoff: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("failed to connect to redis after %d attempts: %w", retries+1, lastErr)
}

// decorrelatedJitterBackoff computes sleep = min(cap, random_between(base, sleep*3)).
type decorrelatedJitterBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newDecorrelatedJitterBackoff(initial, maxDuration time.Duration) *decorrelatedJitterBackoff {
	return &decorrelatedJitterBackoff{
		initial: initial,
		max:     maxDuration,
		current: initial,
	}
}

func (b *decorrelatedJitterBackoff) next(attempt int) time.Duration {
	if attempt == 0 {
		b.current = b.initial
		return b.current
	}

	lo := float64(b.initial)
	hi := float64(b.current) * 3

	//nolint:gosec // jitter does not need a secure source
	backoff := lo + rand.Float64()*(hi-lo)
	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	b.current = time.Duration(backoff)
	return b.current
}
