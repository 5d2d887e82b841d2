// Package observability wires OpenTelemetry metrics (exported to
// prometheus) and tracing for the admission layer.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the prometheus-backed metrics pipeline.
type MetricsConfig struct {
	Enabled bool
}

// InitMetrics creates the meter provider and all admission instruments.
// The prometheus exporter registers with the default registry, so promhttp
// serves the result.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("gatekeeper")

	decisions, err := meter.Int64Counter(
		"gatekeeper_ratelimit_decisions_total",
		metric.WithDescription("Rate limit decisions by endpoint and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	denials, err := meter.Int64Counter(
		"gatekeeper_ratelimit_denials_total",
		metric.WithDescription("Denied requests by tier"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create denials counter: %w", err)
	}

	openConns, err := meter.Int64UpDownCounter(
		"gatekeeper_websocket_connections_open",
		metric.WithDescription("Currently open websocket connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create open connections counter: %w", err)
	}

	rejectedConns, err := meter.Int64Counter(
		"gatekeeper_websocket_connections_rejected_total",
		metric.WithDescription("Rejected websocket connections by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected connections counter: %w", err)
	}

	rejectedFrames, err := meter.Int64Counter(
		"gatekeeper_websocket_frames_rejected_total",
		metric.WithDescription("Websocket frames rejected for exceeding the size limit"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected frames counter: %w", err)
	}

	auditDrops, err := meter.Int64Counter(
		"gatekeeper_audit_events_dropped_total",
		metric.WithDescription("Audit events dropped because the queue was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit drops counter: %w", err)
	}

	httpDuration, err := meter.Float64Histogram(
		"gatekeeper_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return &PrometheusMetrics{
		decisions:      decisions,
		denials:        denials,
		openConns:      openConns,
		rejectedConns:  rejectedConns,
		rejectedFrames: rejectedFrames,
		auditDrops:     auditDrops,
		httpDuration:   httpDuration,
	}, nil
}
