package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jobfinder/gatekeeper/pkg/identity"
)

const (
	// DefaultBufferSize is the number of pending audit events the recorder
	// holds before it starts dropping.
	DefaultBufferSize = 1024

	// DefaultWriteTimeout bounds each store write.
	DefaultWriteTimeout = 5 * time.Second
)

// DropHook is invoked when an event is dropped because the buffer is full.
// Used by metrics; may be nil.
type DropHook func()

// Recorder writes audit records asynchronously through a single worker
// goroutine. Recording never blocks the caller and never returns an error:
// a failed or dropped write costs an audit entry, not a request.
type Recorder struct {
	store        Store
	logger       *slog.Logger
	events       chan *Record
	writeTimeout time.Duration
	onDrop       DropHook

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBufferSize overrides the event buffer capacity.
func WithBufferSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.events = make(chan *Record, n)
		}
	}
}

// WithWriteTimeout overrides the per-write store timeout.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithDropHook installs a callback fired on each dropped event.
func WithDropHook(fn DropHook) RecorderOption {
	return func(r *Recorder) {
		r.onDrop = fn
	}
}

// NewRecorder creates a recorder over the given store. Call Start before
// recording and Stop on shutdown to drain pending events.
func NewRecorder(store Store, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:        store,
		logger:       logger,
		events:       make(chan *Record, DefaultBufferSize),
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the worker goroutine. Safe to call once.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

// Stop closes the event channel and waits for the worker to drain it.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()
		<-r.done
	})
}

// Record enqueues a rate-limit decision for persistence. It implements the
// limiter's audit sink and never blocks: if the buffer is full the event is
// dropped and logged.
func (r *Recorder) Record(id identity.Identity, endpoint string, count, limit int64, windowStart, windowEnd time.Time, exceeded bool) {
	r.enqueue(&Record{
		Identity:     string(id),
		Endpoint:     endpoint,
		RequestCount: count,
		Limit:        limit,
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
		Exceeded:     exceeded,
		CreatedAt:    time.Now(),
	})
}

// RecordConnection enqueues a connection admission event. Rejected admissions
// are recorded as exceeded so they surface in the offender queries.
func (r *Recorder) RecordConnection(id identity.Identity, endpoint string, count, limit int64, rejected bool) {
	now := time.Now()
	r.enqueue(&Record{
		Identity:     string(id),
		Endpoint:     endpoint,
		RequestCount: count,
		Limit:        limit,
		WindowStart:  now.Truncate(time.Hour),
		WindowEnd:    now.Truncate(time.Hour).Add(time.Hour),
		Exceeded:     rejected,
		CreatedAt:    now,
	})
}

func (r *Recorder) enqueue(rec *Record) {
	// Websocket sessions outlive server shutdown, so an admission event
	// can race Stop. Events arriving after close are dropped silently.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- rec:
	default:
		if r.onDrop != nil {
			r.onDrop()
		}
		r.logger.Warn("Audit buffer full, dropping event",
			"identity", rec.Identity,
			"endpoint", rec.Endpoint)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		if err := r.store.Upsert(ctx, rec); err != nil {
			r.logger.Error("Failed to persist audit record",
				"identity", rec.Identity,
				"endpoint", rec.Endpoint,
				"error", err)
		}
		cancel()
	}
}
