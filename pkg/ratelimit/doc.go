// Package ratelimit provides tiered fixed-window request limiting for the
// gatekeeper edge.
//
// A window anchors at an identity's first request and lasts for the
// configured duration (one hour by default); every request inside the window
// shares one counter held in the shared counter store. The counter increment
// is atomic, so two concurrent requests near the limit cannot both be waved
// through the same remaining slot.
//
// # Basic Usage
//
//	store := counter.NewMemoryStore()
//
//	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
//		Window: time.Hour,
//		Quotas: ratelimit.DefaultQuotas(),
//	}, store)
//
//	decision, err := limiter.CheckAndConsume(ctx, identity.ForIP("203.0.113.5"),
//		identity.TierAnonymous, "/api/orders")
//	if !decision.Allowed {
//	    // deny with decision.RetryAfter
//	}
//
// # Tiers
//
//   - anonymous: 100 requests per window (keyed by network address)
//   - authenticated: 1000 requests per window (keyed by user id)
//   - premium: 5000 requests per window
//
// # Failure semantics
//
// When the counter store is unreachable the limiter fails open: the request
// is allowed and no counter is mutated. Audit persistence failures never
// propagate to the request path.
package ratelimit
