package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// volatileHeaders never take part in a signature: they differ per request
// or carry credentials.
var volatileHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"x-request-id":  true,
	"traceparent":   true,
	"tracestate":    true,
	"x-api-key":     true,
}

// IsVolatileHeader reports whether name is excluded from signatures.
func IsVolatileHeader(name string) bool {
	name = strings.ToLower(name)
	return volatileHeaders[name] || strings.HasPrefix(name, "x-b3-")
}

// SignatureGenerator derives the cache signatures of one route.
type SignatureGenerator struct {
	route       string
	varyQuery   []string
	varyHeaders []string
}

// NewSignatureGenerator creates a generator for route that includes the
// named query parameters and headers. Volatile headers are dropped.
func NewSignatureGenerator(route string, varyQuery, varyHeaders []string) *SignatureGenerator {
	q := append([]string(nil), varyQuery...)
	sort.Strings(q)

	h := make([]string, 0, len(varyHeaders))
	for _, name := range varyHeaders {
		if IsVolatileHeader(name) {
			continue
		}
		h = append(h, strings.ToLower(name))
	}
	sort.Strings(h)

	return &SignatureGenerator{route: route, varyQuery: q, varyHeaders: h}
}

// Signature returns the hex SHA-256 of the normalized request. The path is
// taken as received, since that is the path matched and forwarded; dot
// segments are not resolved.
func (g *SignatureGenerator) Signature(r *http.Request) string {
	var b strings.Builder

	b.WriteString(strconv.Itoa(len(g.route)))
	b.WriteByte(':')
	b.WriteString(g.route)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(r.Method))
	b.WriteByte('\n')
	b.WriteString(requestPath(r))
	b.WriteByte('\n')

	query := r.URL.Query()
	for _, name := range g.varyQuery {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
			b.WriteByte('&')
		}
	}
	b.WriteByte('\n')

	for _, name := range g.varyHeaders {
		for _, v := range r.Header.Values(name) {
			b.WriteString(name)
			b.WriteByte(':')
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func requestPath(r *http.Request) string {
	if p := r.URL.EscapedPath(); p != "" {
		return p
	}
	return "/"
}
