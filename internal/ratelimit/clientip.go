package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPExtractor finds the client IP of a request. Forwarding headers are
// only read when the direct peer is a trusted proxy; without trusted
// proxies only RemoteAddr is used.
type ClientIPExtractor struct {
	trusted []*net.IPNet
}

// NewClientIPExtractor creates an extractor trusting the given CIDRs or
// single IPs. Unparseable entries are skipped; config validation rejects them.
func NewClientIPExtractor(trustedProxies []string) *ClientIPExtractor {
	cidrs := make([]*net.IPNet, 0, len(trustedProxies))
	for _, p := range trustedProxies {
		if cidr := ParseTrustedProxy(p); cidr != nil {
			cidrs = append(cidrs, cidr)
		}
	}
	return &ClientIPExtractor{trusted: cidrs}
}

// ParseTrustedProxy parses a CIDR or a single IP address. It returns nil
// when s is neither.
func ParseTrustedProxy(s string) *net.IPNet {
	s = strings.TrimSpace(s)
	if _, cidr, err := net.ParseCIDR(s); err == nil {
		return cidr
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

// Extract returns the client IP. Behind trusted proxies X-Forwarded-For is
// walked right to left and the first untrusted hop wins.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	remote := stripPort(r.RemoteAddr)
	if len(e.trusted) == 0 || !e.isTrusted(remote) {
		return remote
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !e.isTrusted(hop) {
			return hop
		}
	}
	return remote
}

func (e *ClientIPExtractor) isTrusted(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	for _, cidr := range e.trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}
