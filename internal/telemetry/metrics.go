// Package telemetry provides OpenTelemetry instrumentation for the sync engine.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the reconciliation metrics meter
	SyncMetricsMeterName = "github.com/venuehq/sync-engine/reconcile"

	// QueueMetricsMeterName is the name used for the command queue metrics meter
	QueueMetricsMeterName = "github.com/venuehq/sync-engine/queue"
)

// SyncMetrics holds the OpenTelemetry instruments for reconciliation metrics
type SyncMetrics struct {
	syncDuration metric.Float64Histogram
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"vhq_sync_domain_duration_seconds",
		metric.WithDescription("Duration of per-domain reconciliation passes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration: syncDuration,
	}, nil
}

// RecordSyncDuration records the duration of a domain reconciliation pass
func (m *SyncMetrics) RecordSyncDuration(ctx context.Context, domain string, duration time.Duration, success bool) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("domain", domain),
		attribute.Bool("success", success),
	}

	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// QueueMetrics holds the OpenTelemetry instruments for command queue metrics
type QueueMetrics struct {
	pendingCommands metric.Int64Gauge
	droppedCommands metric.Int64Counter
}

// NewQueueMetrics creates a new QueueMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewQueueMetrics(provider metric.MeterProvider) (*QueueMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(QueueMetricsMeterName)

	pendingCommands, err := meter.Int64Gauge(
		"vhq_sync_queue_pending_commands",
		metric.WithDescription("Number of commands waiting in the durable queue"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	droppedCommands, err := meter.Int64Counter(
		"vhq_sync_queue_dropped_commands_total",
		metric.WithDescription("Commands dropped after exceeding the retry ceiling"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	return &QueueMetrics{
		pendingCommands: pendingCommands,
		droppedCommands: droppedCommands,
	}, nil
}

// RecordPending records the current queue depth
func (m *QueueMetrics) RecordPending(ctx context.Context, count int64) {
	if m == nil || m.pendingCommands == nil {
		return
	}

	m.pendingCommands.Record(ctx, count)
}

// RecordDropped counts a command dropped with a report
func (m *QueueMetrics) RecordDropped(ctx context.Context, domain string) {
	if m == nil || m.droppedCommands == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("domain", domain),
	}

	m.droppedCommands.Add(ctx, 1, metric.WithAttributes(attrs...))
}
