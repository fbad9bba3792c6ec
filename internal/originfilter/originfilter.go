// Package originfilter implements OriginFilter (spec.md §4.5): the
// admission check that runs before any bytes are read from an
// accepted connection.
package originfilter

import (
	"net"
	"strings"

	"github.com/personalagent/sessiond/internal/constants"
)

// Filter decides whether a remote peer address is admissible.
type Filter struct {
	// RestrictToTailscale mirrors GatewayConfig.connection.restrictToTailscale.
	// When false, every origin is accepted.
	RestrictToTailscale bool
}

// Allowed reports whether peerAddr (a host, optionally "host:port", as
// net.Conn.RemoteAddr or an X-Forwarded-For style string would report
// it) may keep its WebSocket connection. The Gateway checks it right
// after the upgrade, so a rejected peer can be closed with a close code.
func (f Filter) Allowed(peerAddr string) bool {
	if !f.RestrictToTailscale {
		return true
	}

	ip := normalize(peerAddr)
	if ip == "" {
		return false
	}

	if ip == "127.0.0.1" || ip == "::1" {
		return true
	}

	return inCGNAT(ip)
}

// normalize strips an optional port suffix and the IPv6-mapped IPv4
// prefix, then validates the remainder parses as an IP.
func normalize(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "::ffff:")

	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	return ip.String()
}

func inCGNAT(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	v4 := parsed.To4()
	if v4 == nil {
		return false
	}
	return v4[0] == constants.CGNATFirstOctet &&
		v4[1] >= constants.CGNATSecondLoMin &&
		v4[1] <= constants.CGNATSecondHiMax
}
