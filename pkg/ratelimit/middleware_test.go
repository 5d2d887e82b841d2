package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jobfinder/gatekeeper/pkg/counter"
	"github.com/jobfinder/gatekeeper/pkg/identity"
)

func newTestMiddleware(t *testing.T, quota int64, excluded ...string) http.Handler {
	t.Helper()

	store := counter.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	limiter, err := NewLimiter(Config{
		Enabled: true,
		Quotas:  Quotas{identity.TierAnonymous: quota},
	}, store)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return Middleware(MiddlewareConfig{
		Limiter:          limiter,
		ExcludedPrefixes: excluded,
	})(backend)
}

func TestMiddleware_HeadersOnAllow(t *testing.T) {
	handler := newTestMiddleware(t, 10)

	r := httptest.NewRequest("GET", "/api/orders", nil)
	r.RemoteAddr = "203.0.113.5:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("expected X-RateLimit-Limit 10, got %q", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("expected X-RateLimit-Remaining 9, got %q", got)
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset to be set")
	}
}

func TestMiddleware_DenyEnvelope(t *testing.T) {
	handler := newTestMiddleware(t, 2)

	var w *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest("GET", "/api/orders", nil)
		r.RemoteAddr = "203.0.113.5:1234"
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, r)
	}

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on denial")
	}

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details struct {
				Limit      int64  `json:"limit"`
				Remaining  int64  `json:"remaining"`
				ResetAt    string `json:"reset_at"`
				RetryAfter int64  `json:"retry_after"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if body.Error.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("expected code RATE_LIMIT_EXCEEDED, got %q", body.Error.Code)
	}
	if body.Error.Details.Limit != 2 || body.Error.Details.Remaining != 0 {
		t.Errorf("unexpected details: %+v", body.Error.Details)
	}
	if body.Error.Details.RetryAfter <= 0 {
		t.Errorf("expected positive retry_after, got %d", body.Error.Details.RetryAfter)
	}
	if body.Error.Details.ResetAt == "" {
		t.Error("expected reset_at to be set")
	}
}

func TestMiddleware_ExcludedPrefixBypassesCounters(t *testing.T) {
	store := counter.NewMemoryStore()
	defer store.Close()

	limiter, err := NewLimiter(Config{
		Enabled: true,
		Quotas:  Quotas{identity.TierAnonymous: 1},
	}, store)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	handler := Middleware(MiddlewareConfig{
		Limiter:          limiter,
		ExcludedPrefixes: []string{"/healthz", "/static/"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		r := httptest.NewRequest("GET", "/static/app.css", nil)
		r.RemoteAddr = "203.0.113.5:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("expected excluded path to always pass, got %d", w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "" {
			t.Error("expected no rate limit headers on excluded path")
		}
	}
	if store.Size() != 0 {
		t.Error("expected excluded paths to perform no counter I/O")
	}
}

// failingStore simulates an unreachable counter backend.
type failingStore struct{}

func (failingStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, counter.ErrStoreUnavailable
}
func (failingStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, counter.ErrStoreUnavailable
}
func (failingStore) Decr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, counter.ErrStoreUnavailable
}
func (failingStore) Get(ctx context.Context, key string) (int64, bool, error) {
	return 0, false, counter.ErrStoreUnavailable
}
func (failingStore) Close() error { return nil }

func TestMiddleware_FailsOpenOnStoreError(t *testing.T) {
	limiter, err := NewLimiter(Config{Enabled: true}, failingStore{})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	handler := Middleware(MiddlewareConfig{Limiter: limiter})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/api/orders", nil)
	r.RemoteAddr = "203.0.113.5:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected fail-open 200, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("expected no rate limit headers when failing open")
	}
}
