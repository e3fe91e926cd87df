// Package ratelimit provides token-bucket rate limiting for the gateway,
// backed by local buckets or a shared Redis store.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/vyrodovalexey/storegw/internal/config"
)

// Response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderRetryAfter = "Retry-After"
)

// Limiter decides whether a request from identity may proceed under policy.
type Limiter interface {
	Allow(ctx context.Context, identity string, policy Policy) (*Result, error)
}

// Policy is a token-bucket policy. Buckets start full and refill
// continuously; a request consumes Weight tokens.
type Policy struct {
	Name            string
	Capacity        int
	RefillPerSecond float64
	Weight          int
}

// PolicyFromConfig builds a named policy from configuration.
func PolicyFromConfig(name string, cfg *config.PolicyConfig) Policy {
	return Policy{
		Name:            name,
		Capacity:        cfg.Capacity,
		RefillPerSecond: cfg.RefillPerSecond,
		Weight:          cfg.Weight,
	}
}

// Validate checks the policy parameters.
func (p Policy) Validate() error {
	if p.Capacity < 1 {
		return fmt.Errorf("policy %q: capacity must be at least 1", p.Name)
	}
	if p.RefillPerSecond <= 0 {
		return fmt.Errorf("policy %q: refill rate must be positive", p.Name)
	}
	if p.cost() > p.Capacity {
		return fmt.Errorf("policy %q: weight exceeds capacity", p.Name)
	}
	return nil
}

// cost is the number of tokens one request consumes.
func (p Policy) cost() int {
	if p.Weight < 1 {
		return 1
	}
	return p.Weight
}

// retryAfter is the time until tokens reaches the request cost.
func (p Policy) retryAfter(tokens float64) time.Duration {
	need := float64(p.cost()) - tokens
	if need <= 0 {
		return 0
	}
	ms := math.Ceil(need / p.RefillPerSecond * 1000)
	return time.Duration(ms) * time.Millisecond
}

// Result is a rate limit decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration

	// Local is set when the decision came from local buckets because the
	// shared store was unavailable.
	Local bool
}

// SetHeaders writes the rate limit headers for res. Retry-After is set on
// rejections only and is rounded up to whole seconds.
func SetHeaders(h http.Header, res *Result) {
	if res == nil {
		return
	}
	h.Set(HeaderLimit, strconv.Itoa(res.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(max(res.Remaining, 0)))
	if !res.Allowed {
		h.Set(HeaderRetryAfter, strconv.Itoa(RetryAfterSeconds(res.RetryAfter)))
	}
}

// RetryAfterSeconds rounds d up to whole seconds, with a minimum of one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func bucketKey(identity string, policy Policy) string {
	return policy.Name + ":" + identity
}
