package audit

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultRetention is how long audit records are kept.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultSweepInterval is how often expired records are purged.
	DefaultSweepInterval = time.Hour
)

// Sweeper periodically deletes audit records older than the retention
// period.
type Sweeper struct {
	store     Store
	logger    *slog.Logger
	retention time.Duration
	interval  time.Duration
}

// NewSweeper creates a sweeper. Non-positive retention or interval fall back
// to the defaults.
func NewSweeper(store Store, logger *slog.Logger, retention, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:     store,
		logger:    logger,
		retention: retention,
		interval:  interval,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
// It performs one sweep immediately on startup.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Sweep runs a single purge pass and returns the number of records removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention)
	return s.store.DeleteOlderThan(ctx, cutoff)
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("Audit sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("Purged expired audit records", "removed", removed)
	}
}
