package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/vyrodovalexey/storegw/internal/config"
)

// SubjectValidator validates a bearer token and returns its subject.
type SubjectValidator interface {
	Subject(ctx context.Context, token string) (string, error)
}

// IdentityResolver derives the rate limit identity of a request by trying
// the configured strategies in order. The client IP is the last resort.
type IdentityResolver struct {
	strategies   []string
	apiKeyHeader string
	apiKeys      map[string]string
	validator    SubjectValidator
	clientIP     *ClientIPExtractor
}

// IdentityOption is a functional option for the resolver.
type IdentityOption func(*IdentityResolver)

// WithTrustedProxies lets the ip strategy read X-Forwarded-For when the
// peer is one of the given CIDRs or addresses.
func WithTrustedProxies(proxies []string) IdentityOption {
	return func(ir *IdentityResolver) {
		ir.clientIP = NewClientIPExtractor(proxies)
	}
}

// WithAPIKeys sets the keys the api_key strategy accepts. Without keys the
// strategy never matches, so unknown keys cannot mint fresh buckets.
func WithAPIKeys(keys []string) IdentityOption {
	return func(ir *IdentityResolver) {
		ir.apiKeys = make(map[string]string, len(keys))
		for _, k := range keys {
			if k != "" {
				ir.apiKeys[k] = "key:" + strconv.FormatUint(xxhash.Sum64String(k), 16)
			}
		}
	}
}

// NewIdentityResolver creates a resolver. validator may be nil, in which
// case the jwt strategy only uses subjects passed to Resolve.
func NewIdentityResolver(
	strategies []string,
	apiKeyHeader string,
	validator SubjectValidator,
	opts ...IdentityOption,
) *IdentityResolver {
	if len(strategies) == 0 {
		strategies = []string{config.IdentityJWT, config.IdentityAPIKey, config.IdentityIP}
	}
	if apiKeyHeader == "" {
		apiKeyHeader = config.DefaultAPIKeyHeader
	}
	ir := &IdentityResolver{
		strategies:   strategies,
		apiKeyHeader: apiKeyHeader,
		validator:    validator,
	}
	for _, opt := range opts {
		opt(ir)
	}
	if ir.clientIP == nil {
		ir.clientIP = NewClientIPExtractor(nil)
	}
	return ir
}

// Resolve returns the identity of r. subject is the already validated token
// subject, if the request was authenticated earlier in the pipeline.
func (ir *IdentityResolver) Resolve(r *http.Request, subject string) string {
	for _, strategy := range ir.strategies {
		switch strategy {
		case config.IdentityJWT:
			if subject == "" {
				subject = ir.validatedSubject(r)
			}
			if subject != "" {
				return "sub:" + subject
			}
		case config.IdentityAPIKey:
			if id, ok := ir.knownAPIKey(r); ok {
				return id
			}
		case config.IdentityIP:
			if ip := ir.clientIP.Extract(r); ip != "" {
				return "ip:" + ip
			}
		}
	}
	return "ip:" + ir.clientIP.Extract(r)
}

// knownAPIKey returns the identity of a configured API key. Identities
// carry a hash of the key so that secrets never reach the store.
func (ir *IdentityResolver) knownAPIKey(r *http.Request) (string, bool) {
	key := r.Header.Get(ir.apiKeyHeader)
	if key == "" {
		return "", false
	}
	id, ok := ir.apiKeys[key]
	return id, ok
}

func (ir *IdentityResolver) validatedSubject(r *http.Request) string {
	if ir.validator == nil {
		return ""
	}
	token := BearerToken(r)
	if token == "" {
		return ""
	}
	sub, err := ir.validator.Subject(r.Context(), token)
	if err != nil {
		return ""
	}
	return sub
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	const prefix = "bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
