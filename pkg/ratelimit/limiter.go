package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jobfinder/gatekeeper/pkg/counter"
	"github.com/jobfinder/gatekeeper/pkg/identity"
)

// Limiter makes allow/deny decisions using a fixed-size sliding window per
// identity held in the shared counter store.
type Limiter struct {
	store  counter.Store
	sink   AuditSink
	prefix string

	mu      sync.RWMutex
	window  time.Duration
	quotas  Quotas
	enabled bool
}

// Config configures a Limiter.
type Config struct {
	// Window is the fixed window duration. Default one hour.
	Window time.Duration

	// Quotas are the per-tier request quotas. Default DefaultQuotas.
	Quotas Quotas

	// KeyPrefix namespaces the limiter's counter keys. Default "rl:".
	KeyPrefix string

	// Enabled controls whether the limiter is active. A disabled limiter
	// allows everything without touching the store.
	Enabled bool
}

// NewLimiter creates a Limiter over the given counter store.
func NewLimiter(cfg Config, store counter.Store) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("counter store is required")
	}

	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Quotas == nil {
		cfg.Quotas = DefaultQuotas()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	for tier, limit := range cfg.Quotas {
		if limit <= 0 {
			return nil, fmt.Errorf("quota for tier %q must be positive, got %d", tier, limit)
		}
	}

	return &Limiter{
		store:   store,
		prefix:  cfg.KeyPrefix,
		window:  cfg.Window,
		quotas:  cfg.Quotas,
		enabled: cfg.Enabled,
	}, nil
}

// SetAuditSink attaches a sink that receives every decision.
func (l *Limiter) SetAuditSink(sink AuditSink) {
	l.sink = sink
}

// SetQuotas replaces the tier quotas (config hot reload). The change applies
// to subsequent decisions; already-open windows keep their anchor.
func (l *Limiter) SetQuotas(window time.Duration, quotas Quotas) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if window > 0 {
		l.window = window
	}
	if quotas != nil {
		l.quotas = quotas
	}
}

// CheckAndConsume consumes one request slot for the identity and returns the
// decision. The counter increment is atomic per identity; the limit is
// evaluated against the tier at decision time, so a mid-window tier change
// shifts the remaining quota without restarting the window.
//
// A store failure returns an error; callers on the request path fail open.
func (l *Limiter) CheckAndConsume(ctx context.Context, id identity.Identity, tier identity.Tier, endpoint string) (*Decision, error) {
	if id == "" {
		return nil, ErrInvalidIdentity
	}

	l.mu.RLock()
	window := l.window
	limit := l.quotas.Limit(tier)
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return &Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}

	count, resetAt, err := l.store.IncrWindow(ctx, l.prefix+id.String(), window)
	if err != nil {
		return nil, fmt.Errorf("failed to consume window counter for %s: %w", id, err)
	}

	decision := &Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   resetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = max(0, time.Until(resetAt))
	}

	if l.sink != nil {
		l.sink.Record(id, endpoint, count, limit, resetAt.Add(-window), resetAt, !decision.Allowed)
	}

	return decision, nil
}
