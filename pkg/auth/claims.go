// Package auth validates JWT bearer tokens against a provider's JWKS and
// maps the validated claims onto admission identities and tiers.
//
// Authentication here is optional by design: a request without a token is
// admitted anonymously (and rate limited by IP), while a request carrying an
// invalid token is rejected. Tokens are validated against a cached JWKS so
// key rotation at the provider requires no redeploy.
package auth

import (
	"context"

	"github.com/jobfinder/gatekeeper/pkg/identity"
)

// PlanPremium is the subscription plan that maps to the premium quota tier.
const PlanPremium = "premium"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const claimsContextKey contextKey = "gatekeeper_auth_claims"

// Claims represents the validated claims from a JWT token.
// The structure supports common identity providers (Auth0, Okta, Keycloak)
// while keeping provider-specific claims reachable via Custom.
type Claims struct {
	// Subject is the unique identifier for the user (sub claim).
	Subject string `json:"sub"`

	// Email is the user's email address (if provided).
	Email string `json:"email,omitempty"`

	// Plan is the user's subscription plan, used for quota tier selection.
	Plan string `json:"plan,omitempty"`

	// Custom contains any additional claims not mapped to struct fields.
	Custom map[string]any `json:"-"`
}

// GetClaim retrieves a custom claim by key.
func (c *Claims) GetClaim(key string) (any, bool) {
	if c.Custom == nil {
		return nil, false
	}
	val, ok := c.Custom[key]
	return val, ok
}

// GetStringClaim retrieves a custom claim as a string.
func (c *Claims) GetStringClaim(key string) string {
	if val, ok := c.GetClaim(key); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

// Identity returns the user-scoped admission identity for these claims.
func (c *Claims) Identity() identity.Identity {
	return identity.ForUser(c.Subject)
}

// Tier returns the quota tier implied by the subscription plan.
func (c *Claims) Tier() identity.Tier {
	if c.Plan == PlanPremium {
		return identity.TierPremium
	}
	return identity.TierAuthenticated
}

// ClaimsFromContext extracts claims from a context.
// Returns nil if no claims are present (anonymous request).
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

// ContextWithClaims returns a new context with the given claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
