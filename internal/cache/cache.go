// Package cache stores backend responses for idempotent requests.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/observability"
)

// ErrCacheMiss is returned by Get when no live entry exists.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores entries by request signature.
type Cache interface {
	// Get returns the entry for signature, or ErrCacheMiss when it is
	// absent or expired.
	Get(ctx context.Context, signature string) (*Entry, error)

	// Put stores entry for ttl. The entry must not be modified afterwards.
	Put(ctx context.Context, signature string, entry *Entry, ttl time.Duration) error

	// Purge removes every entry.
	Purge(ctx context.Context) error

	// Close releases background resources.
	Close() error
}

// Entry is a cached response. Entries are immutable once stored.
type Entry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	ETag      string      `json:"etag"`
	StoredAt  time.Time   `json:"storedAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	if now.Before(e.StoredAt) {
		return 0
	}
	return now.Sub(e.StoredAt)
}

// NewEntry builds an entry from a backend response. The ETag is taken from
// the response or, when absent, derived from the body.
func NewEntry(status int, header http.Header, body []byte, now time.Time, ttl time.Duration) *Entry {
	h := header.Clone()
	etag := h.Get("ETag")
	if etag == "" {
		etag = ComputeETag(body)
		h.Set("ETag", etag)
	}
	return &Entry{
		Status:    status,
		Header:    h,
		Body:      body,
		ETag:      etag,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// ComputeETag returns a strong ETag of body.
func ComputeETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// Cacheable reports whether a backend response may be stored: only 200
// responses that do not forbid shared caching.
func Cacheable(status int, header http.Header) bool {
	if status != http.StatusOK {
		return false
	}
	for _, v := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(directive)) {
			case "no-store", "private":
				return false
			}
		}
	}
	return true
}

// MatchesETag reports whether an If-None-Match header value matches etag.
func MatchesETag(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

// New creates the cache selected by cfg.Backend. The redis backend needs a
// client; the memory backend ignores it.
func New(cfg config.CacheConfig, client redis.UniversalClient, logger observability.Logger) (Cache, error) {
	switch cfg.Backend {
	case config.CacheBackendMemory, "":
		return NewMemoryCache(cfg.MaxEntries, cfg.CleanupInterval.Duration(), logger), nil
	case config.CacheBackendRedis:
		if client == nil {
			return nil, fmt.Errorf("cache backend %q requires a redis client", cfg.Backend)
		}
		prefix := config.DefaultCacheKeyPrefix
		if cfg.Redis != nil && cfg.Redis.KeyPrefix != "" {
			prefix = cfg.Redis.KeyPrefix
		}
		return NewRedisCache(client, prefix, logger), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}
