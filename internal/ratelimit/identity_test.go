package ratelimit

import (
	"context"
	"errors"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/storegw/internal/config"
)

type stubValidator map[string]string

func (s stubValidator) Subject(_ context.Context, token string) (string, error) {
	if sub, ok := s[token]; ok {
		return sub, nil
	}
	return "", errors.New("invalid token")
}

func TestIdentityResolver(t *testing.T) {
	t.Parallel()

	validator := stubValidator{"good": "alice"}

	tests := []struct {
		name       string
		strategies []string
		headers    map[string]string
		subject    string
		remoteAddr string
		opts       []IdentityOption
		want       string
	}{
		{
			name:    "subject from earlier auth",
			subject: "bob",
			want:    "sub:bob",
		},
		{
			name:    "validated bearer token",
			headers: map[string]string{"Authorization": "Bearer good"},
			want:    "sub:alice",
		},
		{
			name:       "invalid token falls through to ip",
			headers:    map[string]string{"Authorization": "Bearer bad"},
			remoteAddr: "10.0.0.9:5555",
			want:       "ip:10.0.0.9",
		},
		{
			name:    "known api key is hashed",
			headers: map[string]string{"X-Api-Key": "secret"},
			opts:    []IdentityOption{WithAPIKeys([]string{"secret"})},
			want:    "key:" + strconv.FormatUint(xxhash.Sum64String("secret"), 16),
		},
		{
			name:       "unknown api key falls through to ip",
			headers:    map[string]string{"X-Api-Key": "made-up"},
			remoteAddr: "10.0.0.9:5555",
			opts:       []IdentityOption{WithAPIKeys([]string{"secret"})},
			want:       "ip:10.0.0.9",
		},
		{
			name:       "api key without configured keys is ignored",
			headers:    map[string]string{"X-Api-Key": "secret"},
			remoteAddr: "10.0.0.9:5555",
			want:       "ip:10.0.0.9",
		},
		{
			name:       "forwarded for ignored without trusted proxies",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "203.0.113.8"},
			remoteAddr: "198.51.100.4:5555",
			want:       "ip:198.51.100.4",
		},
		{
			name:       "forwarded for from trusted proxy",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.99, 203.0.113.7, 10.0.0.2"},
			remoteAddr: "10.0.0.1:5555",
			opts:       []IdentityOption{WithTrustedProxies([]string{"10.0.0.0/8"})},
			want:       "ip:203.0.113.7",
		},
		{
			name:       "forwarded for from untrusted peer",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			remoteAddr: "198.51.100.4:5555",
			opts:       []IdentityOption{WithTrustedProxies([]string{"10.0.0.0/8"})},
			want:       "ip:198.51.100.4",
		},
		{
			name:       "all hops trusted",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.3"},
			remoteAddr: "10.0.0.1:5555",
			opts:       []IdentityOption{WithTrustedProxies([]string{"10.0.0.1", "10.0.0.3"})},
			want:       "ip:10.0.0.1",
		},
		{
			name:       "ip only strategy ignores token",
			strategies: []string{config.IdentityIP},
			headers:    map[string]string{"Authorization": "Bearer good"},
			remoteAddr: "[2001:db8::1]:443",
			want:       "ip:2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest("GET", "/orders", nil)
			if tt.remoteAddr != "" {
				r.RemoteAddr = tt.remoteAddr
			}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			got := NewIdentityResolver(tt.strategies, "", validator, tt.opts...).Resolve(r, tt.subject)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "bearer abc.def")
	assert.Equal(t, "abc.def", BearerToken(r))
}
