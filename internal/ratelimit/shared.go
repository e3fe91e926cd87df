package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/storegw/internal/config"
)

var (
	_ Limiter   = (*SharedLimiter)(nil)
	_ io.Closer = (*SharedLimiter)(nil)
)

// tokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] = bucket key
// ARGV = capacity, refill per second, now (ms), requested tokens, ttl (s)
// Returns {allowed, remaining tokens, retry after (ms)}.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local data = redis.call('HMGET', key, 'tokens', 'last_update')
	local tokens = tonumber(data[1])
	local last_update = tonumber(data[2])

	if tokens == nil or last_update == nil then
		tokens = capacity
		last_update = now
	end

	local elapsed = math.max(0, now - last_update) / 1000.0
	tokens = math.min(capacity, tokens + (elapsed * rate))

	local allowed = 0
	local retry_ms = 0
	if tokens >= requested then
		tokens = tokens - requested
		allowed = 1
	else
		retry_ms = math.ceil((requested - tokens) / rate * 1000)
	end

	redis.call('HSET', key, 'tokens', tostring(tokens), 'last_update', tostring(now))
	redis.call('EXPIRE', key, ttl)

	return {allowed, math.floor(tokens), retry_ms}
`)

// SharedLimiter keeps buckets in Redis so that every gateway replica
// enforces one budget per identity. Store calls go through a guard breaker;
// while the store fails or the guard is open, decisions come from the
// fallback LocalLimiter and carry Result.Local.
type SharedLimiter struct {
	client   redis.UniversalClient
	prefix   string
	guard    *gobreaker.CircuitBreaker
	fallback *LocalLimiter
	logger   *zap.Logger
	now      func() time.Time

	degraded   atomic.Bool
	onDegraded func(degraded bool)
}

// SharedOption configures a SharedLimiter.
type SharedOption func(*SharedLimiter)

// WithSharedClock sets the time source used for bucket timestamps.
func WithSharedClock(now func() time.Time) SharedOption {
	return func(s *SharedLimiter) {
		s.now = now
	}
}

// WithDegradedHook registers a callback run when the limiter enters or
// leaves local-only mode.
func WithDegradedHook(fn func(degraded bool)) SharedOption {
	return func(s *SharedLimiter) {
		s.onDegraded = fn
	}
}

// NewSharedLimiter creates a Redis-backed limiter. The fallback limiter is
// owned by the SharedLimiter and closed with it; the client is not.
func NewSharedLimiter(
	client redis.UniversalClient,
	prefix string,
	guardCfg config.StoreGuardConfig,
	fallback *LocalLimiter,
	logger *zap.Logger,
	opts ...SharedOption,
) *SharedLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = config.DefaultRateLimitKeyPrefix
	}
	if fallback == nil {
		fallback = NewLocalLimiter(config.DefaultLimiterIdleTTL, logger)
	}

	s := &SharedLimiter{
		client:   client,
		prefix:   prefix,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard = newStoreGuard(guardCfg, logger)
	return s
}

func newStoreGuard(cfg config.StoreGuardConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = config.DefaultGuardMaxFailures
	}
	threshold := uint32(maxFailures) //nolint:gosec // bounded by configuration validation

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 1,
		Timeout:     cfg.Timeout.Or(config.DefaultGuardTimeout),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("rate limit store guard state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// A canceled client says nothing about the store.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// Allow implements Limiter.
func (s *SharedLimiter) Allow(ctx context.Context, identity string, policy Policy) (*Result, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	res, err := s.allowShared(ctx, identity, policy)
	if err == nil {
		s.markRecovered()
		return res, nil
	}

	s.markDegraded(err)

	res, err = s.fallback.Allow(ctx, identity, policy)
	if err != nil {
		return nil, err
	}
	res.Local = true
	return res, nil
}

func (s *SharedLimiter) allowShared(ctx context.Context, identity string, policy Policy) (*Result, error) {
	ttl := int64(math.Ceil(float64(policy.Capacity)/policy.RefillPerSecond)) + 1

	out, err := s.guard.Execute(func() (interface{}, error) {
		return tokenBucketScript.Run(ctx, s.client,
			[]string{s.prefix + bucketKey(identity, policy)},
			policy.Capacity,
			policy.RefillPerSecond,
			s.now().UnixMilli(),
			policy.cost(),
			ttl,
		).Int64Slice()
	})
	if err != nil {
		return nil, err
	}

	values, ok := out.([]int64)
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("unexpected token bucket script result: %v", out)
	}

	return &Result{
		Allowed:    values[0] == 1,
		Limit:      policy.Capacity,
		Remaining:  max(int(values[1]), 0),
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
	}, nil
}

func (s *SharedLimiter) markDegraded(err error) {
	if !s.degraded.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn("shared rate limit store unavailable, enforcing local limits only; "+
		"limits are per replica until the store recovers",
		zap.Error(err),
	)
	if s.onDegraded != nil {
		s.onDegraded(true)
	}
}

func (s *SharedLimiter) markRecovered() {
	if !s.degraded.CompareAndSwap(true, false) {
		return
	}
	s.logger.Info("shared rate limit store recovered")
	if s.onDegraded != nil {
		s.onDegraded(false)
	}
}

// Degraded reports whether decisions currently come from local buckets.
func (s *SharedLimiter) Degraded() bool {
	return s.degraded.Load()
}

// Ping checks the shared store.
func (s *SharedLimiter) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close stops the fallback limiter.
func (s *SharedLimiter) Close() error {
	return s.fallback.Close()
}
