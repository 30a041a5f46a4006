// Package clientip resolves the real client address of a request, trusting
// X-Forwarded-For only when the direct peer is a configured proxy.
package clientip

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Resolver extracts client IPs.
type Resolver struct {
	trusted []*net.IPNet
}

// New creates a Resolver trusting the given CIDRs (e.g. "10.0.0.0/8").
func New(trustedProxies []string) (*Resolver, error) {
	r := &Resolver{}
	for _, cidr := range trustedProxies {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
		r.trusted = append(r.trusted, ipNet)
	}
	return r, nil
}

// IP returns the client IP. X-Forwarded-For is walked right to left and the
// first untrusted hop wins, but only when the peer itself is trusted.
func (r *Resolver) IP(req *http.Request) string {
	peer := Peer(req)
	if len(r.trusted) == 0 || !r.Trusted(peer) {
		return peer
	}
	xff := req.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip != "" && !r.Trusted(ip) {
			return ip
		}
	}
	return peer
}

// Trusted reports whether ip falls in a trusted CIDR.
func (r *Resolver) Trusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range r.trusted {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// Peer returns the host part of the request's RemoteAddr.
func Peer(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
