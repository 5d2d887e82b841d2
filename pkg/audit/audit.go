// Package audit durably persists rate-limit decisions and serves the
// monitoring read model built on top of them. Writes are asynchronous and
// never propagate failures to the admission path.
package audit

import (
	"context"
	"time"
)

// Record is one persisted rate-limit decision. At most one record exists per
// (identity, endpoint, window_start); later writes for the same window
// update in place.
type Record struct {
	ID           string    `json:"id"`
	Identity     string    `json:"identity"`
	Endpoint     string    `json:"endpoint"`
	RequestCount int64     `json:"request_count"`
	Limit        int64     `json:"limit"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	Exceeded     bool      `json:"exceeded"`
	CreatedAt    time.Time `json:"created_at"`
}

// Offender is an identity ranked by violation count.
type Offender struct {
	Identity   string `json:"identity"`
	Violations int64  `json:"violations"`
}

// EndpointStat aggregates records per endpoint.
type EndpointStat struct {
	Endpoint     string  `json:"endpoint"`
	Total        int64   `json:"total"`
	Violations   int64   `json:"violations"`
	AvgRequests  float64 `json:"avg_requests"`
	PeakRequests int64   `json:"peak_requests"`
}

// HourlyBucket aggregates records into one trailing hour.
type HourlyBucket struct {
	Hour       time.Time `json:"hour"`
	Total      int64     `json:"total"`
	Violations int64     `json:"violations"`
}

// Store is the persistence layer for audit records.
//
// Implementations must be safe for concurrent use. The monitoring queries
// read independently of the write path; eventual consistency is acceptable.
type Store interface {
	// Upsert writes a record, replacing any existing record with the same
	// (identity, endpoint, window_start).
	Upsert(ctx context.Context, rec *Record) error

	// TopOffenders returns identities with exceeded records since the given
	// time, ordered by violation count descending.
	TopOffenders(ctx context.Context, limit int, since time.Time) ([]Offender, error)

	// EndpointStats returns per-endpoint aggregates since the given time.
	EndpointStats(ctx context.Context, since time.Time) ([]EndpointStat, error)

	// HourlyActivity returns hour-bucketed totals since the given time.
	HourlyActivity(ctx context.Context, since time.Time) ([]HourlyBucket, error)

	// DeleteOlderThan removes records created before the cutoff and returns
	// the removed count.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases resources held by the store.
	Close() error
}
