package ratelimit

import (
	"time"

	"github.com/jobfinder/gatekeeper/pkg/identity"
)

// DefaultWindow is the fixed window size for request counting.
const DefaultWindow = time.Hour

// Default per-window quotas by tier.
const (
	DefaultAnonymousQuota     int64 = 100
	DefaultAuthenticatedQuota int64 = 1000
	DefaultPremiumQuota       int64 = 5000
)

// Quotas maps each tier to its per-window request quota.
type Quotas map[identity.Tier]int64

// DefaultQuotas returns the standard tier quotas.
func DefaultQuotas() Quotas {
	return Quotas{
		identity.TierAnonymous:     DefaultAnonymousQuota,
		identity.TierAuthenticated: DefaultAuthenticatedQuota,
		identity.TierPremium:       DefaultPremiumQuota,
	}
}

// Limit returns the quota for a tier, falling back to the anonymous quota
// for unknown tiers.
func (q Quotas) Limit(tier identity.Tier) int64 {
	if limit, ok := q[tier]; ok {
		return limit
	}
	if limit, ok := q[identity.TierAnonymous]; ok {
		return limit
	}
	return DefaultAnonymousQuota
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // set only on deny
}

// AuditSink receives every rate-limit decision for durable recording.
// Implementations must never block the request path and must swallow their
// own failures.
type AuditSink interface {
	Record(id identity.Identity, endpoint string, count, limit int64, windowStart, windowEnd time.Time, exceeded bool)
}
