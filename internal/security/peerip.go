// Package security carries small input-validation and peer-address
// helpers used at the Gateway's admission boundary. Connection-rate
// and auth-attempt limiting, which ssrok's
// internal/security/ratelimiter.go also implemented, are deliberately
// not carried forward here: spec.md §1 names "rate limiting" itself as
// a non-goal, not merely an observability layer, so unlike structured
// logging it does not survive as ambient stack.
package security

import (
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
)

var (
	trustedProxies []*net.IPNet
	proxyOnce      sync.Once
)

func initTrustedProxies() {
	proxyOnce.Do(func() {
		defaultCIDRs := []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
		if env := os.Getenv("PERSONALAGENT_TRUSTED_PROXIES"); env != "" {
			defaultCIDRs = strings.Split(env, ",")
		}
		for _, cidr := range defaultCIDRs {
			cidr = strings.TrimSpace(cidr)
			_, network, err := net.ParseCIDR(cidr)
			if err == nil {
				trustedProxies = append(trustedProxies, network)
			}
		}
	})
}

func isTrustedProxy(ip string) bool {
	initTrustedProxies()
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range trustedProxies {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// GetClientIP extracts the peer IP that OriginFilter should evaluate,
// only trusting X-Forwarded-For/X-Real-Ip from a configured trusted
// proxy CIDR — otherwise a client behind nothing could spoof its way
// into the CGNAT range.
func GetClientIP(r *http.Request) string {
	directIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if directIP == "" {
		directIP = r.RemoteAddr
	}

	if isTrustedProxy(directIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(clientIP) != nil {
				return clientIP
			}
		}
		if xri := r.Header.Get("X-Real-Ip"); xri != "" {
			xri = strings.TrimSpace(xri)
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	return directIP
}
