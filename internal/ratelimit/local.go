package ratelimit

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/util"
)

var (
	_ Limiter   = (*LocalLimiter)(nil)
	_ io.Closer = (*LocalLimiter)(nil)
)

// LocalLimiter keeps one token bucket per policy and identity in process
// memory. Buckets idle for longer than the idle TTL are evicted by a
// background janitor; call Close to stop it.
type LocalLimiter struct {
	buckets   *util.ShardedMap[*bucket]
	idleTTL   time.Duration
	now       func() time.Time
	logger    *zap.Logger
	noJanitor bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	policy   Policy
	lastSeen time.Time
}

// LocalOption configures a LocalLimiter.
type LocalOption func(*LocalLimiter)

// WithClock sets the time source.
func WithClock(now func() time.Time) LocalOption {
	return func(l *LocalLimiter) {
		l.now = now
	}
}

// WithoutJanitor disables background eviction. Sweep can still be called.
func WithoutJanitor() LocalOption {
	return func(l *LocalLimiter) {
		l.noJanitor = true
	}
}

// NewLocalLimiter creates a LocalLimiter and starts its janitor.
func NewLocalLimiter(idleTTL time.Duration, logger *zap.Logger, opts ...LocalOption) *LocalLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idleTTL <= 0 {
		idleTTL = config.DefaultLimiterIdleTTL
	}

	l := &LocalLimiter{
		buckets: util.NewShardedMap[*bucket](util.DefaultShardCount),
		idleTTL: idleTTL,
		now:     time.Now,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.noJanitor {
		close(l.done)
	} else {
		go l.janitor(idleTTL)
	}
	return l
}

// Allow implements Limiter. A rejected request consumes no tokens.
func (l *LocalLimiter) Allow(_ context.Context, identity string, policy Policy) (*Result, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	now := l.now()
	b, _ := l.buckets.LoadOrCreate(bucketKey(identity, policy), func() *bucket {
		return &bucket{
			limiter: rate.NewLimiter(rate.Limit(policy.RefillPerSecond), policy.Capacity),
			policy:  policy,
		}
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.policy != policy {
		b.limiter.SetLimitAt(now, rate.Limit(policy.RefillPerSecond))
		b.limiter.SetBurstAt(now, policy.Capacity)
		b.policy = policy
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, policy.cost())
	tokens := b.limiter.TokensAt(now)

	res := &Result{
		Allowed:   allowed,
		Limit:     policy.Capacity,
		Remaining: max(int(math.Floor(tokens)), 0),
	}
	if !allowed {
		res.RetryAfter = policy.retryAfter(tokens)
	}
	return res, nil
}

// Sweep evicts buckets idle since before now minus the idle TTL and returns
// how many were removed.
func (l *LocalLimiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.idleTTL)
	return l.buckets.DeleteIf(func(_ string, b *bucket) bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.lastSeen.Before(cutoff)
	})
}

// Len returns the number of live buckets.
func (l *LocalLimiter) Len() int {
	return l.buckets.Len()
}

func (l *LocalLimiter) janitor(idleTTL time.Duration) {
	defer close(l.done)

	interval := idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(l.now()); n > 0 {
				l.logger.Debug("evicted idle rate limit buckets", zap.Int("count", n))
			}
		case <-l.stop:
			return
		}
	}
}

// Close stops the janitor. Safe to call multiple times.
func (l *LocalLimiter) Close() error {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	<-l.done
	return nil
}
