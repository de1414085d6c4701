package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver finds the address of the client behind a request.
//
// Forwarding headers are ignored unless TrustProxy is set: any client can
// send them. Behind TrustedProxyCount reverse proxies that each append
// their peer to X-Forwarded-For, the client is the entry the outermost
// trusted proxy appended, TrustedProxyCount places from the right. Entries
// further left were supplied by the client and are never used.
type ClientIPResolver struct {
	TrustProxy bool
	// TrustedProxyCount defaults to 1 when TrustProxy is set.
	TrustedProxyCount int
}

// ClientIP returns the client address for r.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
			if ip := c.fromXFF(strings.Join(xff, ",")); ip != "" {
				return ip
			}
		} else if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return peerIP(r.RemoteAddr)
}

func (c ClientIPResolver) fromXFF(xff string) string {
	count := c.TrustedProxyCount
	if count <= 0 {
		count = 1
	}
	ips := strings.Split(xff, ",")
	if len(ips) < count {
		return ""
	}
	return parseIP(ips[len(ips)-count])
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return ""
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
