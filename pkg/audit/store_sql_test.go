package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupSQLStore(t *testing.T) *SQLStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "audit.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db, "sqlite")
	if err != nil {
		t.Fatalf("Failed to create SQL store: %v", err)
	}
	return store
}

func TestSQLStoreUpsertSameWindowKeepsOneRecord(t *testing.T) {
	store := setupSQLStore(t)
	ctx := context.Background()

	windowStart := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := &Record{
		Identity:     "user:alice",
		Endpoint:     "/api/jobs",
		RequestCount: 50,
		Limit:        1000,
		WindowStart:  windowStart,
		WindowEnd:    windowStart.Add(time.Hour),
		CreatedAt:    windowStart,
	}
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rec.RequestCount = 1001
	rec.Exceeded = true
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	stats, err := store.EndpointStats(ctx, time.Time{})
	if err != nil {
		t.Fatalf("EndpointStats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("Expected 1 endpoint stat, got %d", len(stats))
	}
	if stats[0].Total != 1 {
		t.Errorf("Expected a single record after double upsert, got %d", stats[0].Total)
	}
	if stats[0].PeakRequests != 1001 {
		t.Errorf("Expected updated request count 1001, got %d", stats[0].PeakRequests)
	}
	if stats[0].Violations != 1 {
		t.Errorf("Expected exceeded flag to update, got %d violations", stats[0].Violations)
	}
}

func TestSQLStoreTopOffenders(t *testing.T) {
	store := setupSQLStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	seed := []struct {
		identity string
		windows  int
		exceeded bool
	}{
		{"ip:203.0.113.7", 3, true},
		{"user:bob", 1, true},
		{"user:alice", 4, false},
	}
	for _, s := range seed {
		for i := 0; i < s.windows; i++ {
			rec := &Record{
				Identity:    s.identity,
				Endpoint:    "/api/jobs",
				WindowStart: now.Add(time.Duration(-i) * time.Hour),
				Exceeded:    s.exceeded,
				CreatedAt:   now,
			}
			if err := store.Upsert(ctx, rec); err != nil {
				t.Fatalf("Upsert failed: %v", err)
			}
		}
	}

	offenders, err := store.TopOffenders(ctx, 10, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("TopOffenders failed: %v", err)
	}
	if len(offenders) != 2 {
		t.Fatalf("Expected 2 offenders, got %d", len(offenders))
	}
	if offenders[0].Identity != "ip:203.0.113.7" || offenders[0].Violations != 3 {
		t.Errorf("Expected ip:203.0.113.7 with 3 violations first, got %+v", offenders[0])
	}
}

func TestSQLStoreHourlyActivity(t *testing.T) {
	store := setupSQLStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	createdAts := []time.Time{
		base.Add(5 * time.Minute),
		base.Add(45 * time.Minute),
		base.Add(70 * time.Minute),
	}
	for i, createdAt := range createdAts {
		rec := &Record{
			Identity:    "user:alice",
			Endpoint:    "/api/jobs",
			WindowStart: base.Add(time.Duration(i) * time.Minute),
			Exceeded:    i == 0,
			CreatedAt:   createdAt,
		}
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	buckets, err := store.HourlyActivity(ctx, time.Time{})
	if err != nil {
		t.Fatalf("HourlyActivity failed: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("Expected 2 hourly buckets, got %d", len(buckets))
	}
	if buckets[0].Total != 2 || buckets[0].Violations != 1 {
		t.Errorf("First bucket: expected total=2 violations=1, got %+v", buckets[0])
	}
	if !buckets[0].Hour.Equal(base) {
		t.Errorf("Expected first bucket at %v, got %v", base, buckets[0].Hour)
	}
}

func TestSQLStoreDeleteOlderThan(t *testing.T) {
	store := setupSQLStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []*Record{
		{Identity: "user:alice", Endpoint: "/api/jobs", WindowStart: now.Add(-10 * 24 * time.Hour), CreatedAt: now.Add(-10 * 24 * time.Hour)},
		{Identity: "user:alice", Endpoint: "/api/jobs", WindowStart: now.Add(-9 * 24 * time.Hour), CreatedAt: now.Add(-9 * 24 * time.Hour)},
		{Identity: "user:alice", Endpoint: "/api/jobs", WindowStart: now, CreatedAt: now},
	}
	for _, rec := range records {
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	removed, err := store.DeleteOlderThan(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 records removed, got %d", removed)
	}

	stats, err := store.EndpointStats(ctx, time.Time{})
	if err != nil {
		t.Fatalf("EndpointStats failed: %v", err)
	}
	if len(stats) != 1 || stats[0].Total != 1 {
		t.Errorf("Expected 1 record remaining, got %+v", stats)
	}
}

func TestSQLStoreDeleteOlderThanNonUTCTimestamps(t *testing.T) {
	store := setupSQLStore(t)
	ctx := context.Background()

	// sqlite stores timestamps as TEXT and compares them as strings, so
	// a record written with a +10:00 offset would sort after a UTC
	// cutoff even when it is hours older. Both sides must be bound in
	// UTC for the comparison to hold.
	eastern := time.FixedZone("UTC+10", 10*3600)
	now := time.Now().UTC()
	cutoff := now.Add(-7 * 24 * time.Hour)

	stale := cutoff.Add(-3 * time.Hour).In(eastern)
	records := []*Record{
		{Identity: "user:alice", Endpoint: "/api/jobs", WindowStart: stale, CreatedAt: stale},
		{Identity: "user:bob", Endpoint: "/api/jobs", WindowStart: now, CreatedAt: now.In(eastern)},
	}
	for _, rec := range records {
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	removed, err := store.DeleteOlderThan(ctx, cutoff.In(eastern))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 record removed, got %d", removed)
	}

	stats, err := store.EndpointStats(ctx, cutoff)
	if err != nil {
		t.Fatalf("EndpointStats failed: %v", err)
	}
	if len(stats) != 1 || stats[0].Total != 1 {
		t.Errorf("Expected only the recent record to remain, got %+v", stats)
	}
}

func TestNewSQLStoreRejectsUnknownDialect(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := NewSQLStore(db, "oracle"); err == nil {
		t.Error("Expected error for unsupported dialect")
	}
}

func TestSQLStorePlaceholders(t *testing.T) {
	pg := &SQLStore{dialect: "postgres"}
	if got := pg.arg(2); got != "$2" {
		t.Errorf("Expected $2 for postgres, got %s", got)
	}
	my := &SQLStore{dialect: "mysql"}
	if got := my.arg(2); got != "?" {
		t.Errorf("Expected ? for mysql, got %s", got)
	}
	lite := &SQLStore{dialect: "sqlite"}
	if got := lite.boolLit(true); got != "1" {
		t.Errorf("Expected 1 for sqlite true literal, got %s", got)
	}
}
