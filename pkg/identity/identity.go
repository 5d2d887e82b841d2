// Package identity defines the keys used for rate limiting and connection
// tracking: a caller is identified either by user id (authenticated) or by
// network address (anonymous), never both.
package identity

import (
	"net"
	"net/http"
	"strings"
)

// Identity is the rate-limiting / connection-tracking key for a caller.
// It is either "user:<id>" or "ip:<address>".
type Identity string

// ForUser returns the identity for an authenticated user.
func ForUser(userID string) Identity {
	return Identity("user:" + userID)
}

// ForIP returns the identity for an anonymous caller.
func ForIP(addr string) Identity {
	return Identity("ip:" + addr)
}

// IsUser reports whether the identity is user-scheme.
func (i Identity) IsUser() bool {
	return strings.HasPrefix(string(i), "user:")
}

// String returns the identity as a plain string.
func (i Identity) String() string {
	return string(i)
}

// Tier is the quota class assigned to an identity.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
)

// ParseTier converts a config string to a Tier.
// Unknown values fall back to anonymous.
func ParseTier(s string) Tier {
	switch strings.ToLower(s) {
	case "authenticated":
		return TierAuthenticated
	case "premium":
		return TierPremium
	default:
		return TierAnonymous
	}
}

// ClientAddr resolves the caller's network address for a request.
// The first hop of X-Forwarded-For wins; otherwise the transport peer
// address is used with the port stripped.
func ClientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if idx := strings.Index(xff, ","); idx != -1 {
			first = xff[:idx]
		}
		if addr := strings.TrimSpace(first); addr != "" {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
