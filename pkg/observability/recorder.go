package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics is the instrumentation surface for the admission layer.
type Metrics interface {
	// RecordDecision counts a rate limit decision for an endpoint.
	RecordDecision(ctx context.Context, endpoint string, allowed bool, tier string)

	// ConnectionOpened / ConnectionClosed track the open websocket gauge.
	ConnectionOpened(ctx context.Context)
	ConnectionClosed(ctx context.Context)

	// ConnectionRejected counts a rejected admission by reason
	// ("origin", "limit").
	ConnectionRejected(ctx context.Context, reason string)

	// FrameRejected counts an oversized websocket frame.
	FrameRejected(ctx context.Context)

	// AuditDropped counts an audit event lost to a full queue.
	AuditDropped(ctx context.Context)

	// RecordHTTPRequest records a served request with its route pattern.
	RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration)
}

// PrometheusMetrics implements Metrics over OTel instruments.
// The zero value is a no-op, so a disabled pipeline needs no branching at
// call sites.
type PrometheusMetrics struct {
	decisions      metric.Int64Counter
	denials        metric.Int64Counter
	openConns      metric.Int64UpDownCounter
	rejectedConns  metric.Int64Counter
	rejectedFrames metric.Int64Counter
	auditDrops     metric.Int64Counter
	httpDuration   metric.Float64Histogram
}

func (m *PrometheusMetrics) RecordDecision(ctx context.Context, endpoint string, allowed bool, tier string) {
	if m == nil || m.decisions == nil {
		return
	}

	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))

	if !allowed && m.denials != nil {
		m.denials.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", tier),
		))
	}
}

func (m *PrometheusMetrics) ConnectionOpened(ctx context.Context) {
	if m == nil || m.openConns == nil {
		return
	}
	m.openConns.Add(ctx, 1)
}

func (m *PrometheusMetrics) ConnectionClosed(ctx context.Context) {
	if m == nil || m.openConns == nil {
		return
	}
	m.openConns.Add(ctx, -1)
}

func (m *PrometheusMetrics) ConnectionRejected(ctx context.Context, reason string) {
	if m == nil || m.rejectedConns == nil {
		return
	}
	m.rejectedConns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (m *PrometheusMetrics) FrameRejected(ctx context.Context) {
	if m == nil || m.rejectedFrames == nil {
		return
	}
	m.rejectedFrames.Add(ctx, 1)
}

func (m *PrometheusMetrics) AuditDropped(ctx context.Context) {
	if m == nil || m.auditDrops == nil {
		return
	}
	m.auditDrops.Add(ctx, 1)
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	if m == nil || m.httpDuration == nil {
		return
	}
	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status_code", statusCode),
	))
}

// SetGlobalMetrics installs the process-wide metrics sink.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics sink, or nil when
// metrics were never initialized.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
