package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS rate_limit_audit (
    id VARCHAR(36) NOT NULL,
    identity VARCHAR(255) NOT NULL,
    endpoint VARCHAR(255) NOT NULL,
    request_count BIGINT NOT NULL DEFAULT 0,
    quota BIGINT NOT NULL DEFAULT 0,
    window_start TIMESTAMP NOT NULL,
    window_end TIMESTAMP NOT NULL,
    exceeded BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (identity, endpoint, window_start)
);

CREATE INDEX IF NOT EXISTS idx_audit_created_at ON rate_limit_audit(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_exceeded ON rate_limit_audit(exceeded, created_at);
`

// SQLStore is a SQL-backed implementation of Store.
// It supports Postgres, MySQL, and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore creates a SQL-backed store and initializes the schema.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := createAuditTableSQL
	if s.dialect == "mysql" {
		// MySQL has no CREATE INDEX IF NOT EXISTS; rely on the primary key
		// and create secondary indexes best-effort.
		schema = `
CREATE TABLE IF NOT EXISTS rate_limit_audit (
    id VARCHAR(36) NOT NULL,
    identity VARCHAR(255) NOT NULL,
    endpoint VARCHAR(255) NOT NULL,
    request_count BIGINT NOT NULL DEFAULT 0,
    quota BIGINT NOT NULL DEFAULT 0,
    window_start TIMESTAMP NOT NULL,
    window_end TIMESTAMP NOT NULL,
    exceeded BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (identity, endpoint, window_start),
    INDEX idx_audit_created_at (created_at),
    INDEX idx_audit_exceeded (exceeded, created_at)
);
`
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create rate_limit_audit table: %w", err)
	}
	return nil
}

// Upsert writes a record keyed by (identity, endpoint, window_start).
func (s *SQLStore) Upsert(ctx context.Context, rec *Record) error {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var query string
	switch s.dialect {
	case "postgres":
		query = `
			INSERT INTO rate_limit_audit (id, identity, endpoint, request_count, quota, window_start, window_end, exceeded, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (identity, endpoint, window_start)
			DO UPDATE SET request_count = EXCLUDED.request_count, quota = EXCLUDED.quota,
			              window_end = EXCLUDED.window_end, exceeded = EXCLUDED.exceeded
		`
	case "mysql":
		query = `
			INSERT INTO rate_limit_audit (id, identity, endpoint, request_count, quota, window_start, window_end, exceeded, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE request_count = VALUES(request_count), quota = VALUES(quota),
			                        window_end = VALUES(window_end), exceeded = VALUES(exceeded)
		`
	default: // sqlite
		query = `
			INSERT INTO rate_limit_audit (id, identity, endpoint, request_count, quota, window_start, window_end, exceeded, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (identity, endpoint, window_start)
			DO UPDATE SET request_count = excluded.request_count, quota = excluded.quota,
			              window_end = excluded.window_end, exceeded = excluded.exceeded
		`
	}

	// Timestamps are bound in UTC: sqlite stores them as TEXT with the
	// value's own offset and compares lexicographically, so mixed zones
	// would misorder against the query cutoffs.
	_, err := s.db.ExecContext(ctx, query,
		id, rec.Identity, rec.Endpoint, rec.RequestCount, rec.Limit,
		rec.WindowStart.UTC(), rec.WindowEnd.UTC(), rec.Exceeded, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert audit record: %w", err)
	}
	return nil
}

// TopOffenders returns identities with exceeded records, worst first.
func (s *SQLStore) TopOffenders(ctx context.Context, limit int, since time.Time) ([]Offender, error) {
	query := `
		SELECT identity, COUNT(*) AS violations
		FROM rate_limit_audit
		WHERE exceeded = ` + s.boolLit(true) + ` AND created_at >= ` + s.arg(1) + `
		GROUP BY identity
		ORDER BY violations DESC, identity ASC
		LIMIT ` + s.arg(2)

	rows, err := s.db.QueryContext(ctx, query, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top offenders: %w", err)
	}
	defer rows.Close()

	var offenders []Offender
	for rows.Next() {
		var o Offender
		if err := rows.Scan(&o.Identity, &o.Violations); err != nil {
			return nil, fmt.Errorf("failed to scan offender: %w", err)
		}
		offenders = append(offenders, o)
	}
	return offenders, rows.Err()
}

// EndpointStats returns per-endpoint aggregates.
func (s *SQLStore) EndpointStats(ctx context.Context, since time.Time) ([]EndpointStat, error) {
	query := `
		SELECT endpoint,
		       COUNT(*) AS total,
		       SUM(CASE WHEN exceeded = ` + s.boolLit(true) + ` THEN 1 ELSE 0 END) AS violations,
		       AVG(request_count) AS avg_requests,
		       MAX(request_count) AS peak_requests
		FROM rate_limit_audit
		WHERE created_at >= ` + s.arg(1) + `
		GROUP BY endpoint
		ORDER BY endpoint ASC`

	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoint stats: %w", err)
	}
	defer rows.Close()

	var stats []EndpointStat
	for rows.Next() {
		var st EndpointStat
		if err := rows.Scan(&st.Endpoint, &st.Total, &st.Violations, &st.AvgRequests, &st.PeakRequests); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// HourlyActivity returns hour-bucketed totals. Buckets are computed as epoch
// hours so the scan shape is identical across dialects.
func (s *SQLStore) HourlyActivity(ctx context.Context, since time.Time) ([]HourlyBucket, error) {
	var hourExpr string
	switch s.dialect {
	case "postgres":
		hourExpr = "FLOOR(EXTRACT(EPOCH FROM created_at) / 3600)::bigint"
	case "mysql":
		hourExpr = "FLOOR(UNIX_TIMESTAMP(created_at) / 3600)"
	default: // sqlite
		hourExpr = "CAST(strftime('%s', created_at) / 3600 AS INTEGER)"
	}

	query := `
		SELECT ` + hourExpr + ` AS hour_epoch,
		       COUNT(*) AS total,
		       SUM(CASE WHEN exceeded = ` + s.boolLit(true) + ` THEN 1 ELSE 0 END) AS violations
		FROM rate_limit_audit
		WHERE created_at >= ` + s.arg(1) + `
		GROUP BY hour_epoch
		ORDER BY hour_epoch ASC`

	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly activity: %w", err)
	}
	defer rows.Close()

	var buckets []HourlyBucket
	for rows.Next() {
		var hourEpoch, total, violations int64
		if err := rows.Scan(&hourEpoch, &total, &violations); err != nil {
			return nil, fmt.Errorf("failed to scan hourly bucket: %w", err)
		}
		buckets = append(buckets, HourlyBucket{
			Hour:       time.Unix(hourEpoch*3600, 0).UTC(),
			Total:      total,
			Violations: violations,
		})
	}
	return buckets, rows.Err()
}

// DeleteOlderThan removes records created before the cutoff.
func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM rate_limit_audit WHERE created_at < ` + s.arg(1)

	result, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit records: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted audit records: %w", err)
	}
	return removed, nil
}

// Close is a no-op: the underlying connection pool is shared with other
// components and closed by its owner.
func (s *SQLStore) Close() error {
	return nil
}

// Dialect returns the SQL dialect (for tests).
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// arg returns the positional placeholder for the dialect.
func (s *SQLStore) arg(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// boolLit returns a boolean literal valid in the dialect.
func (s *SQLStore) boolLit(v bool) string {
	if s.dialect == "sqlite" {
		if v {
			return "1"
		}
		return "0"
	}
	if v {
		return "TRUE"
	}
	return "FALSE"
}

var _ Store = (*SQLStore)(nil)
