package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jobfinder/gatekeeper/pkg/counter"
	"github.com/jobfinder/gatekeeper/pkg/identity"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedDecision struct {
	id          identity.Identity
	endpoint    string
	count       int64
	limit       int64
	windowStart time.Time
	windowEnd   time.Time
	exceeded    bool
}

type captureSink struct {
	mu      sync.Mutex
	records []recordedDecision
}

func (s *captureSink) Record(id identity.Identity, endpoint string, count, limit int64, windowStart, windowEnd time.Time, exceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, recordedDecision{id, endpoint, count, limit, windowStart, windowEnd, exceeded})
}

func (s *captureSink) all() []recordedDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedDecision(nil), s.records...)
}

func newTestLimiter(t *testing.T, clock *fakeClock) (*Limiter, *captureSink) {
	t.Helper()

	opts := []counter.MemoryOption{}
	if clock != nil {
		opts = append(opts, counter.WithClock(clock.Now))
	}
	store := counter.NewMemoryStore(opts...)
	t.Cleanup(func() { store.Close() })

	limiter, err := NewLimiter(Config{Enabled: true}, store)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	sink := &captureSink{}
	limiter.SetAuditSink(sink)
	return limiter, sink
}

func TestLimiter_AllowsUpToQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t, nil)
	ctx := context.Background()
	id := identity.ForUser("42")

	for i := int64(1); i <= DefaultAuthenticatedQuota; i++ {
		d, err := limiter.CheckAndConsume(ctx, id, identity.TierAuthenticated, "/api/orders")
		if err != nil {
			t.Fatalf("unexpected error on request %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
		if want := DefaultAuthenticatedQuota - i; d.Remaining != want {
			t.Fatalf("request %d: expected remaining %d, got %d", i, want, d.Remaining)
		}
	}
}

func TestLimiter_DeniesOverQuota(t *testing.T) {
	limiter, sink := newTestLimiter(t, nil)
	ctx := context.Background()
	id := identity.ForIP("203.0.113.5")

	for i := int64(0); i < DefaultAnonymousQuota; i++ {
		if _, err := limiter.CheckAndConsume(ctx, id, identity.TierAnonymous, "/api/orders"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	d, err := limiter.CheckAndConsume(ctx, id, identity.TierAnonymous, "/api/orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected request over quota to be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", d.Remaining)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > DefaultWindow {
		t.Errorf("expected 0 < retry_after <= window, got %v", d.RetryAfter)
	}

	records := sink.all()
	last := records[len(records)-1]
	if !last.exceeded {
		t.Error("expected denial to be recorded as exceeded")
	}
	if last.count != DefaultAnonymousQuota+1 {
		t.Errorf("expected recorded count %d, got %d", DefaultAnonymousQuota+1, last.count)
	}
}

func TestLimiter_FreshWindowAfterExpiry(t *testing.T) {
	clock := newFakeClock()
	limiter, _ := newTestLimiter(t, clock)
	ctx := context.Background()
	id := identity.ForIP("203.0.113.5")

	// Exhaust the window and then some.
	for i := int64(0); i < DefaultAnonymousQuota+10; i++ {
		if _, err := limiter.CheckAndConsume(ctx, id, identity.TierAnonymous, "/api/orders"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	clock.Advance(DefaultWindow + time.Second)

	d, err := limiter.CheckAndConsume(ctx, id, identity.TierAnonymous, "/api/orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected first request of fresh window to be allowed")
	}
	if want := DefaultAnonymousQuota - 1; d.Remaining != want {
		t.Errorf("expected remaining %d in fresh window, got %d", want, d.Remaining)
	}
}

// A tier change mid-window shifts the limit without restarting the window.
func TestLimiter_TierChangeMidWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t, nil)
	ctx := context.Background()
	id := identity.ForUser("42")

	for i := int64(0); i < 50; i++ {
		if _, err := limiter.CheckAndConsume(ctx, id, identity.TierAnonymous, "/api/orders"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	d, err := limiter.CheckAndConsume(ctx, id, identity.TierPremium, "/api/orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected upgraded tier to be allowed")
	}
	// The window counter carries over; only the limit changed.
	if want := DefaultPremiumQuota - 51; d.Remaining != want {
		t.Errorf("expected remaining %d, got %d", want, d.Remaining)
	}
}

func TestLimiter_DisabledSkipsStore(t *testing.T) {
	store := counter.NewMemoryStore()
	defer store.Close()

	limiter, err := NewLimiter(Config{Enabled: false}, store)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	d, err := limiter.CheckAndConsume(context.Background(), identity.ForUser("42"), identity.TierAuthenticated, "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Error("expected disabled limiter to allow")
	}
	if store.Size() != 0 {
		t.Error("expected disabled limiter to not touch the store")
	}
}

func TestLimiter_EmptyIdentity(t *testing.T) {
	limiter, _ := newTestLimiter(t, nil)
	if _, err := limiter.CheckAndConsume(context.Background(), "", identity.TierAnonymous, "/"); err == nil {
		t.Fatal("expected error for empty identity")
	}
}

// Two concurrent requests near the limit must not both slip through the same
// remaining slot: the number of allowed decisions equals the quota exactly.
func TestLimiter_ConcurrentConsumersNearLimit(t *testing.T) {
	store := counter.NewMemoryStore()
	defer store.Close()

	limiter, err := NewLimiter(Config{
		Enabled: true,
		Quotas:  Quotas{identity.TierAnonymous: 100},
	}, store)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()
	id := identity.ForIP("203.0.113.5")

	const requests = 150
	var allowed int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.CheckAndConsume(ctx, id, identity.TierAnonymous, "/api/orders")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("expected exactly 100 allowed decisions, got %d", allowed)
	}
}

// End-to-end walk of the anonymous tier: 100 allowed with remaining 99..0,
// the 101st denied with retry timing, and a fresh window after expiry.
func TestLimiter_AnonymousWindowLifecycle(t *testing.T) {
	clock := newFakeClock()
	limiter, _ := newTestLimiter(t, clock)
	ctx := context.Background()
	id := identity.ForIP("203.0.113.5")

	for i := int64(1); i <= 100; i++ {
		d, err := limiter.CheckAndConsume(ctx, id, identity.TierAnonymous, "/api/search")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
		if d.Remaining != 100-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 100-i, d.Remaining)
		}
	}

	clock.Advance(10 * time.Second)
	d, err := limiter.CheckAndConsume(ctx, id, identity.TierAnonymous, "/api/search")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected 101st request to be denied")
	}

	clock.Advance(DefaultWindow - 9*time.Second)
	d, err = limiter.CheckAndConsume(ctx, id, identity.TierAnonymous, "/api/search")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed || d.Remaining != 99 {
		t.Errorf("expected fresh window with remaining 99, got allowed=%v remaining=%d", d.Allowed, d.Remaining)
	}
}
