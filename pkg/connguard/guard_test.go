package connguard

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jobfinder/gatekeeper/pkg/counter"
)

func newTestGuard(t *testing.T, maxPerUser, maxPerIP int64) (*Guard, *counter.MemoryStore) {
	t.Helper()
	store := counter.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	guard, err := NewGuard(store, Config{
		MaxPerUser: maxPerUser,
		MaxPerIP:   maxPerIP,
		CounterTTL: time.Hour,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}
	return guard, store
}

func TestGuard_RegisterAndRelease(t *testing.T) {
	guard, _ := newTestGuard(t, 5, 10)
	ctx := context.Background()

	userCount, ipCount, err := guard.Register(ctx, "u1", "203.0.113.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userCount != 1 || ipCount != 1 {
		t.Errorf("expected counts (1,1), got (%d,%d)", userCount, ipCount)
	}

	userCount, ipCount, err = guard.Register(ctx, "u1", "203.0.113.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userCount != 2 || ipCount != 2 {
		t.Errorf("expected counts (2,2), got (%d,%d)", userCount, ipCount)
	}

	guard.Release(ctx, "u1", "203.0.113.5")
	guard.Release(ctx, "u1", "203.0.113.5")

	allowed, _ := guard.CheckLimit(ctx, "u1", "203.0.113.5")
	if !allowed {
		t.Error("expected connection to be allowed after all releases")
	}
}

func TestGuard_UserLimitReached(t *testing.T) {
	guard, _ := newTestGuard(t, 2, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, err := guard.Register(ctx, "u1", "203.0.113.5"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	allowed, reason := guard.CheckLimit(ctx, "u1", "203.0.113.5")
	if allowed {
		t.Error("expected user limit to reject third connection")
	}
	if reason == "" {
		t.Error("expected a rejection reason")
	}
}

func TestGuard_IPLimitReached(t *testing.T) {
	guard, _ := newTestGuard(t, 5, 2)
	ctx := context.Background()

	// Two different anonymous users from one address.
	for i := 0; i < 2; i++ {
		if _, _, err := guard.Register(ctx, "", "203.0.113.5"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	allowed, _ := guard.CheckLimit(ctx, "", "203.0.113.5")
	if allowed {
		t.Error("expected address limit to reject third connection")
	}
}

// A rejected check must leave both counters untouched.
func TestGuard_CheckIsReadOnly(t *testing.T) {
	guard, store := newTestGuard(t, 1, 10)
	ctx := context.Background()

	if _, _, err := guard.Register(ctx, "u1", "203.0.113.5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if allowed, _ := guard.CheckLimit(ctx, "u1", "203.0.113.5"); allowed {
			t.Fatal("expected check to reject")
		}
	}

	count, ok, err := store.Get(ctx, "conn:user:u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || count != 1 {
		t.Errorf("expected counter to remain 1 after rejected checks, got %d (ok=%v)", count, ok)
	}
}

// addrFailingStore errors on increments of address counters only.
type addrFailingStore struct {
	*counter.MemoryStore
}

func (s *addrFailingStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if strings.HasPrefix(key, "conn:ip:") {
		return 0, errors.New("store unavailable")
	}
	return s.MemoryStore.Incr(ctx, key, ttl)
}

// A failed address increment must roll the user increment back, otherwise
// the teardown release would decrement a counter that was never raised.
func TestGuard_RegisterRollsBackOnPartialFailure(t *testing.T) {
	store := &addrFailingStore{MemoryStore: counter.NewMemoryStore()}
	defer store.Close()

	guard, err := NewGuard(store, Config{
		MaxPerUser: 5,
		MaxPerIP:   10,
		CounterTTL: time.Hour,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}

	ctx := context.Background()
	if _, _, err := guard.Register(ctx, "u1", "203.0.113.5"); err == nil {
		t.Fatal("expected registration error")
	}

	count, ok, err := store.Get(ctx, "conn:user:u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok && count != 0 {
		t.Errorf("expected user counter rolled back to 0, got %d", count)
	}
}

func TestGuard_DisabledAllowsEverything(t *testing.T) {
	store := counter.NewMemoryStore()
	defer store.Close()

	guard, err := NewGuard(store, Config{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if allowed, _ := guard.CheckLimit(ctx, "u1", "203.0.113.5"); !allowed {
			t.Fatal("expected disabled guard to allow everything")
		}
	}
	if store.Size() != 0 {
		t.Error("expected disabled guard to not touch the store")
	}
}
