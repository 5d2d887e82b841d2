package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jobfinder/gatekeeper/pkg/identity"
	"github.com/jobfinder/gatekeeper/pkg/observability"
)

// IdentityFunc derives the rate-limit identity and tier for a request.
type IdentityFunc func(r *http.Request) (identity.Identity, identity.Tier)

// AnonymousIdentity keys every request by its network address.
func AnonymousIdentity(r *http.Request) (identity.Identity, identity.Tier) {
	return identity.ForIP(identity.ClientAddr(r)), identity.TierAnonymous
}

// MiddlewareConfig configures the admission middleware.
type MiddlewareConfig struct {
	// Limiter makes the allow/deny decisions.
	Limiter *Limiter

	// IdentityFunc derives identity and tier. Default AnonymousIdentity.
	IdentityFunc IdentityFunc

	// ExcludedPrefixes are path prefixes that bypass limiting entirely,
	// checked before any counter I/O.
	ExcludedPrefixes []string

	// OnLimited is called for denied requests. Default sends the standard
	// 429 JSON envelope.
	OnLimited func(w http.ResponseWriter, r *http.Request, d *Decision)
}

// Middleware wraps a handler with admission control. Every response carries
// X-RateLimit-Limit, X-RateLimit-Remaining, and X-RateLimit-Reset headers;
// denials get a 429 with retry timing. A counter-store failure lets the
// request through without headers.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.IdentityFunc == nil {
		cfg.IdentityFunc = AnonymousIdentity
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = writeLimited
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range cfg.ExcludedPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			id, tier := cfg.IdentityFunc(r)

			decision, err := cfg.Limiter.CheckAndConsume(r.Context(), id, tier, r.URL.Path)
			if err != nil {
				// Fail open: an unreachable counter store must not take
				// the whole backend down with it.
				slog.Error("Rate limit check failed, failing open", "error", err, "identity", id)
				next.ServeHTTP(w, r)
				return
			}

			writeRateLimitHeaders(w, decision)

			if metrics := observability.GetGlobalMetrics(); metrics != nil {
				metrics.RecordDecision(r.Context(), r.URL.Path, decision.Allowed, string(tier))
			}

			if !decision.Allowed {
				cfg.OnLimited(w, r, decision)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitHeaders sets the standard quota headers on a response.
func writeRateLimitHeaders(w http.ResponseWriter, d *Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// writeLimited sends the standard 429 response.
func writeLimited(w http.ResponseWriter, r *http.Request, d *Decision) {
	retryAfter := int64(d.RetryAfter.Seconds())
	if retryAfter < 1 && d.RetryAfter > 0 {
		retryAfter = 1
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]any{
		"error": map[string]any{
			"code":    "RATE_LIMIT_EXCEEDED",
			"message": "request quota exhausted for the current window",
			"details": map[string]any{
				"limit":       d.Limit,
				"remaining":   0,
				"reset_at":    d.ResetAt.UTC().Format(time.RFC3339),
				"retry_after": retryAfter,
			},
		},
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Debug("Failed to write rate limit response", "error", err)
	}
}
