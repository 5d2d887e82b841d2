// Package connguard tracks live connection counts per user identity and per
// network address, backed by the shared counter store. Counters carry an
// independent TTL refreshed on every mutation, so an abandoned counter
// self-heals even when a decrement was missed.
package connguard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobfinder/gatekeeper/pkg/counter"
)

const (
	DefaultMaxPerUser = 5
	DefaultMaxPerIP   = 10
	DefaultCounterTTL = time.Hour
)

// Guard enforces per-user and per-address connection caps.
type Guard struct {
	store      counter.Store
	maxPerUser int64
	maxPerIP   int64
	ttl        time.Duration
	enabled    bool
}

// Config configures a Guard.
type Config struct {
	MaxPerUser int64
	MaxPerIP   int64
	CounterTTL time.Duration
	Enabled    bool
}

// NewGuard creates a Guard over the given counter store.
func NewGuard(store counter.Store, cfg Config) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("counter store is required")
	}

	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = DefaultMaxPerUser
	}
	if cfg.MaxPerIP <= 0 {
		cfg.MaxPerIP = DefaultMaxPerIP
	}
	if cfg.CounterTTL <= 0 {
		cfg.CounterTTL = DefaultCounterTTL
	}

	return &Guard{
		store:      store,
		maxPerUser: cfg.MaxPerUser,
		maxPerIP:   cfg.MaxPerIP,
		ttl:        cfg.CounterTTL,
		enabled:    cfg.Enabled,
	}, nil
}

func userKey(userID string) string { return "conn:user:" + userID }
func ipKey(addr string) string     { return "conn:ip:" + addr }

// CheckLimit reports whether a new connection would be within both caps.
// The check is read-only: a rejected attempt leaves both counters untouched.
// Store failures fail open, matching the rate-limit path.
func (g *Guard) CheckLimit(ctx context.Context, userID, addr string) (allowed bool, reason string) {
	if !g.enabled {
		return true, ""
	}

	if userID != "" {
		count, ok, err := g.store.Get(ctx, userKey(userID))
		if err != nil {
			slog.Error("Connection limit check failed, failing open", "error", err, "user", userID)
			return true, ""
		}
		if ok && count >= g.maxPerUser {
			return false, fmt.Sprintf("user connection limit reached (%d/%d)", count, g.maxPerUser)
		}
	}

	if addr != "" {
		count, ok, err := g.store.Get(ctx, ipKey(addr))
		if err != nil {
			slog.Error("Connection limit check failed, failing open", "error", err, "addr", addr)
			return true, ""
		}
		if ok && count >= g.maxPerIP {
			return false, fmt.Sprintf("address connection limit reached (%d/%d)", count, g.maxPerIP)
		}
	}

	return true, ""
}

// Register increments both counters for an admitted connection and returns
// the new counts.
func (g *Guard) Register(ctx context.Context, userID, addr string) (userCount, ipCount int64, err error) {
	if !g.enabled {
		return 0, 0, nil
	}

	if userID != "" {
		userCount, err = g.store.Incr(ctx, userKey(userID), g.ttl)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to register user connection: %w", err)
		}
	}
	if addr != "" {
		ipCount, err = g.store.Incr(ctx, ipKey(addr), g.ttl)
		if err != nil {
			// Roll back the user increment so a later Release does not
			// decrement an address counter that was never incremented.
			if userID != "" {
				if _, derr := g.store.Decr(ctx, userKey(userID), g.ttl); derr != nil {
					slog.Error("Failed to roll back user connection counter", "error", derr, "user", userID)
				}
			}
			return 0, 0, fmt.Errorf("failed to register address connection: %w", err)
		}
	}
	return userCount, ipCount, nil
}

// Limits returns the configured per-user and per-address caps.
func (g *Guard) Limits() (maxPerUser, maxPerIP int64) {
	return g.maxPerUser, g.maxPerIP
}

// Release decrements both counters on connection teardown. Counters floor at
// zero, so a release without a matching register cannot go negative.
func (g *Guard) Release(ctx context.Context, userID, addr string) {
	if !g.enabled {
		return
	}

	if userID != "" {
		if _, err := g.store.Decr(ctx, userKey(userID), g.ttl); err != nil {
			slog.Error("Failed to release user connection counter", "error", err, "user", userID)
		}
	}
	if addr != "" {
		if _, err := g.store.Decr(ctx, ipKey(addr), g.ttl); err != nil {
			slog.Error("Failed to release address connection counter", "error", err, "addr", addr)
		}
	}
}
