package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// recordKey is the uniqueness key for audit records.
type recordKey struct {
	identity    string
	endpoint    string
	windowStart int64
}

// MemoryStore is an in-memory implementation of Store for tests and small
// deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[recordKey]*Record
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[recordKey]*Record),
	}
}

// Upsert writes a record, updating in place on key collision.
func (s *MemoryStore) Upsert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{rec.Identity, rec.Endpoint, rec.WindowStart.Unix()}

	if existing, ok := s.data[key]; ok {
		existing.RequestCount = rec.RequestCount
		existing.Limit = rec.Limit
		existing.WindowEnd = rec.WindowEnd
		existing.Exceeded = rec.Exceeded
		return nil
	}

	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.data[key] = &stored
	return nil
}

// TopOffenders returns identities with exceeded records, worst first.
func (s *MemoryStore) TopOffenders(ctx context.Context, limit int, since time.Time) ([]Offender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	violations := make(map[string]int64)
	for _, rec := range s.data {
		if rec.Exceeded && !rec.CreatedAt.Before(since) {
			violations[rec.Identity]++
		}
	}

	offenders := make([]Offender, 0, len(violations))
	for id, count := range violations {
		offenders = append(offenders, Offender{Identity: id, Violations: count})
	}
	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Violations != offenders[j].Violations {
			return offenders[i].Violations > offenders[j].Violations
		}
		return offenders[i].Identity < offenders[j].Identity
	})

	if limit > 0 && len(offenders) > limit {
		offenders = offenders[:limit]
	}
	return offenders, nil
}

// EndpointStats returns per-endpoint aggregates.
func (s *MemoryStore) EndpointStats(ctx context.Context, since time.Time) ([]EndpointStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type agg struct {
		total      int64
		violations int64
		sum        int64
		peak       int64
	}
	byEndpoint := make(map[string]*agg)

	for _, rec := range s.data {
		if rec.CreatedAt.Before(since) {
			continue
		}
		a, ok := byEndpoint[rec.Endpoint]
		if !ok {
			a = &agg{}
			byEndpoint[rec.Endpoint] = a
		}
		a.total++
		a.sum += rec.RequestCount
		if rec.RequestCount > a.peak {
			a.peak = rec.RequestCount
		}
		if rec.Exceeded {
			a.violations++
		}
	}

	stats := make([]EndpointStat, 0, len(byEndpoint))
	for endpoint, a := range byEndpoint {
		stats = append(stats, EndpointStat{
			Endpoint:     endpoint,
			Total:        a.total,
			Violations:   a.violations,
			AvgRequests:  float64(a.sum) / float64(a.total),
			PeakRequests: a.peak,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Endpoint < stats[j].Endpoint })
	return stats, nil
}

// HourlyActivity returns hour-bucketed totals.
func (s *MemoryStore) HourlyActivity(ctx context.Context, since time.Time) ([]HourlyBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make(map[int64]*HourlyBucket)
	for _, rec := range s.data {
		if rec.CreatedAt.Before(since) {
			continue
		}
		hour := rec.CreatedAt.Truncate(time.Hour)
		b, ok := buckets[hour.Unix()]
		if !ok {
			b = &HourlyBucket{Hour: hour}
			buckets[hour.Unix()] = b
		}
		b.Total++
		if rec.Exceeded {
			b.Violations++
		}
	}

	result := make([]HourlyBucket, 0, len(buckets))
	for _, b := range buckets {
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Hour.Before(result[j].Hour) })
	return result, nil
}

// DeleteOlderThan removes records created before the cutoff.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, rec := range s.data {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.data, key)
			removed++
		}
	}
	return removed, nil
}

// Close clears the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[recordKey]*Record)
	return nil
}

// Size returns the number of records (for tests).
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ Store = (*MemoryStore)(nil)
