package counter

import (
	"context"
	"sync"
	"time"
)

// entry stores a counter value and its expiry.
type entry struct {
	value     int64
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of Store.
// It is thread-safe and suitable for tests and single-instance deployments.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*entry

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock (for tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-memory store. A janitor goroutine removes
// expired entries until Close is called.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MemoryStore{
		data:   make(map[string]*entry),
		now:    time.Now,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.janitor(ctx)
	return s
}

// IncrWindow atomically increments the fixed-window counter for key.
func (s *MemoryStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.data[key]
	if !ok || !now.Before(e.expiresAt) {
		// First request in a window, or the previous window elapsed.
		e = &entry{value: 1, expiresAt: now.Add(window)}
		s.data[key] = e
		return e.value, e.expiresAt, nil
	}

	e.value++
	return e.value, e.expiresAt, nil
}

// Incr atomically increments a plain counter and refreshes its TTL.
func (s *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.data[key]
	if !ok || !now.Before(e.expiresAt) {
		e = &entry{}
		s.data[key] = e
	}

	e.value++
	e.expiresAt = now.Add(ttl)
	return e.value, nil
}

// Decr atomically decrements a plain counter, flooring at zero.
func (s *MemoryStore) Decr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.data[key]
	if !ok || !now.Before(e.expiresAt) {
		e = &entry{}
		s.data[key] = e
	}

	if e.value > 0 {
		e.value--
	}
	e.expiresAt = now.Add(ttl)
	return e.value, nil
}

// Get returns the current value for key, or ok=false if absent/expired.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return 0, false, nil
	}
	return e.value, true, nil
}

// Close stops the janitor and clears the store.
func (s *MemoryStore) Close() error {
	s.cancel()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*entry)
	return nil
}

// Size returns the number of live entries (for tests).
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *MemoryStore) janitor(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.data {
		if !now.Before(e.expiresAt) {
			delete(s.data, key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
