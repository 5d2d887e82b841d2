// Package origin evaluates a connection attempt's declared origin against a
// configurable allow-list of exact origins and wildcard-subdomain patterns.
package origin

import (
	"log/slog"
	"strings"
	"sync"
)

// Validator checks declared origins against an allow-list.
//
// Rules are evaluated in order: a missing origin is always rejected; an exact
// match accepts; a literal "*" entry accepts anything; a "*.suffix" entry
// accepts any proper subdomain of suffix. A host equal to the bare suffix
// does not satisfy the wildcard rule.
//
// Origin validation never fails open: an empty allow-list rejects everything.
type Validator struct {
	mu       sync.RWMutex
	exact    map[string]struct{}
	suffixes []string
	allowAll bool
	enforce  bool
}

// NewValidator creates an enforcing Validator with the given allow-list
// entries.
func NewValidator(allowed []string) *Validator {
	v := &Validator{enforce: true}
	v.SetRules(allowed)
	return v
}

// SetEnforce toggles enforcement. While enforcement is off, IsAllowed
// accepts every origin, including a missing one.
func (v *Validator) SetEnforce(enforce bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enforce = enforce
}

// SetRules replaces the allow-list. Safe to call while the validator is in
// use; config reloads swap rules without restarting the server.
func (v *Validator) SetRules(allowed []string) {
	exact := make(map[string]struct{}, len(allowed))
	var suffixes []string
	allowAll := false

	for _, rule := range allowed {
		rule = strings.TrimSpace(rule)
		switch {
		case rule == "":
			continue
		case rule == "*":
			allowAll = true
		case strings.HasPrefix(rule, "*."):
			suffixes = append(suffixes, rule[2:])
		default:
			exact[rule] = struct{}{}
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.exact = exact
	v.suffixes = suffixes
	v.allowAll = allowAll
}

// IsAllowed reports whether the declared origin passes the allow-list.
func (v *Validator) IsAllowed(origin string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.enforce {
		return true
	}
	if origin == "" {
		return false
	}

	if _, ok := v.exact[origin]; ok {
		return true
	}

	if v.allowAll {
		slog.Warn("Origin accepted by wildcard-all rule", "origin", origin)
		return true
	}

	host := hostOf(origin)
	for _, suffix := range v.suffixes {
		// Requires a proper subdomain: "api.example.com" matches
		// "*.example.com" but "example.com" itself does not.
		if strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}

	return false
}

// hostOf strips the scheme and port from an origin string.
func hostOf(origin string) string {
	host := origin
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		// Only strip a trailing port, not IPv6 colons.
		if !strings.Contains(host[idx+1:], "]") {
			host = host[:idx]
		}
	}
	return host
}
