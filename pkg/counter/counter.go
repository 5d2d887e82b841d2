// Package counter provides the shared expiring counter substrate used by the
// rate limiter and the connection guard. All counters are keyed strings with
// per-key atomicity; entries self-expire so abandoned counters cannot grow
// the store without bound.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable is returned when the backing store cannot be reached.
// Callers on the rate-limit path treat it as a fail-open signal.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// Store is the shared counter substrate.
//
// Implementations must be safe for concurrent use and must make each
// operation atomic per key: two concurrent IncrWindow calls for the same key
// must observe distinct counts.
type Store interface {
	// IncrWindow atomically increments the fixed-window counter for key.
	// A window anchors at the first increment and lasts the given duration;
	// once it elapses the next increment starts a fresh window at 1.
	// Returns the count after the increment and the time the window resets.
	IncrWindow(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)

	// Incr atomically increments a plain counter and refreshes its TTL.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Decr atomically decrements a plain counter, flooring at zero, and
	// refreshes its TTL.
	Decr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current value for key, or ok=false if absent/expired.
	Get(ctx context.Context, key string) (value int64, ok bool, err error)

	// Close releases resources held by the store.
	Close() error
}
