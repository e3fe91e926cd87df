// Package auth validates client bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/observability"
	"github.com/vyrodovalexey/storegw/internal/util"
)

// DefaultJWKSRefreshInterval bounds how often the key set is re-fetched.
const DefaultJWKSRefreshInterval = 15 * time.Minute

// ErrMissingToken is returned when the request carries no bearer token.
var ErrMissingToken = fmt.Errorf("missing bearer token: %w", util.ErrUnauthorized)

// Claims are the validated claims the gateway uses.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
}

// Validator validates JWTs signed with a shared HMAC secret or with a key
// from a remote JWKS document.
type Validator struct {
	parseOpts []jwt.ParseOption
	logger    observability.Logger
}

type validatorOptions struct {
	clock      func() time.Time
	httpClient *http.Client
	logger     observability.Logger
}

// Option configures a Validator.
type Option func(*validatorOptions)

// WithClock sets the time source used for exp/nbf/iat checks.
func WithClock(now func() time.Time) Option {
	return func(o *validatorOptions) {
		o.clock = now
	}
}

// WithHTTPClient sets the client used to fetch the JWKS document.
func WithHTTPClient(c *http.Client) Option {
	return func(o *validatorOptions) {
		o.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(o *validatorOptions) {
		o.logger = l
	}
}

// NewValidator builds a validator from cfg. With a JWKS URL the key set is
// fetched once up front and refreshed in the background until ctx is done.
func NewValidator(ctx context.Context, cfg config.JWTConfig, opts ...Option) (*Validator, error) {
	o := validatorOptions{
		clock:      time.Now,
		httpClient: &http.Client{Timeout: config.DefaultRegistryTimeout},
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(o.clock)),
		jwt.WithAcceptableSkew(cfg.ClockSkew.Duration()),
	}
	if cfg.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(cfg.Audience))
	}

	switch {
	case cfg.Secret != "":
		alg := jwa.SignatureAlgorithm(cfg.Algorithm)
		if alg == "" {
			alg = jwa.HS256
		}
		switch alg {
		case jwa.HS256, jwa.HS384, jwa.HS512:
		default:
			return nil, util.NewConfigError("auth.jwt.algorithm", fmt.Sprintf("unsupported algorithm %q for a shared secret", alg))
		}
		parseOpts = append(parseOpts, jwt.WithKey(alg, []byte(cfg.Secret)))

	case cfg.JWKSURL != "":
		set, err := newCachedKeySet(ctx, cfg.JWKSURL, o.httpClient)
		if err != nil {
			return nil, err
		}
		parseOpts = append(parseOpts, jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)))

	default:
		return nil, util.NewConfigError("auth.jwt", "either secret or jwksURL is required")
	}

	o.logger.Info("jwt validator configured",
		observability.Bool("jwks", cfg.JWKSURL != ""),
		observability.String("issuer", cfg.Issuer),
	)

	return &Validator{parseOpts: parseOpts, logger: o.logger}, nil
}

func newCachedKeySet(ctx context.Context, url string, client *http.Client) (jwk.Set, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(url,
		jwk.WithHTTPClient(client),
		jwk.WithMinRefreshInterval(DefaultJWKSRefreshInterval),
	); err != nil {
		return nil, fmt.Errorf("failed to register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, url); err != nil {
		return nil, fmt.Errorf("failed to fetch jwks from %s: %w", url, err)
	}
	return jwk.NewCachedSet(cache, url), nil
}

// Validate verifies the signature and the registered claims of token.
// Every failure wraps util.ErrUnauthorized.
func (v *Validator) Validate(_ context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	tok, err := jwt.ParseString(token, v.parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", errors.Join(util.ErrUnauthorized, err))
	}

	return &Claims{
		Subject:   tok.Subject(),
		Issuer:    tok.Issuer(),
		Audience:  tok.Audience(),
		ExpiresAt: tok.Expiration(),
	}, nil
}

// Subject validates token and returns its subject.
func (v *Validator) Subject(ctx context.Context, token string) (string, error) {
	claims, err := v.Validate(ctx, token)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject: %w", util.ErrUnauthorized)
	}
	return claims.Subject, nil
}

type claimsKey struct{}

// ContextWithClaims stores validated claims in ctx.
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims stored by ContextWithClaims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}
