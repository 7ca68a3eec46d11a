package utils

import (
	"net"
	"net/http"
	"strings"
)

// privateRanges are the RFC1918, loopback and link-local networks.
var privateRanges = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// stripPort removes a port and IPv6 brackets from an address.
func stripPort(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

// IsPrivateIP checks if an IP address is in private/local ranges (RFC1918)
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(stripPort(ip))
	if parsed == nil {
		return false
	}
	for _, n := range privateRanges {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// IsTrustedNetwork checks if an IP is within trusted network ranges. With no
// ranges configured every private address is trusted.
func IsTrustedNetwork(ip string, trustedNetworks []string) bool {
	if len(trustedNetworks) == 0 {
		return IsPrivateIP(ip)
	}
	parsed := net.ParseIP(stripPort(ip))
	if parsed == nil {
		return false
	}
	for _, cidr := range trustedNetworks {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller's address. Forwarding headers are honoured only
// when the direct peer is a trusted proxy.
func ClientIP(r *http.Request, trustedProxies []string) string {
	peer := stripPort(r.RemoteAddr)
	if !IsTrustedNetwork(peer, trustedProxies) {
		return peer
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}
	return peer
}
