package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the caller's address for rate limiting and audit.
//
// When trustProxy is false only RemoteAddr is used. Otherwise the address is
// taken from X-Forwarded-For, skipping trustedProxyCount hops from the right
// (at least one), then from X-Real-IP, then RemoteAddr.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	if trustedProxyCount < 1 {
		trustedProxyCount = 1
	}
	idx := len(hops) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
