package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_NilProviderDisablesRecording(t *testing.T) {
	t.Parallel()

	syncMetrics, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, syncMetrics)

	queueMetrics, err := NewQueueMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, queueMetrics)

	// Nil receivers must be safe to call
	syncMetrics.RecordSyncDuration(t.Context(), "booking", time.Second, true)
	queueMetrics.RecordPending(t.Context(), 3)
	queueMetrics.RecordDropped(t.Context(), "booking")
}

func TestSyncMetrics_RecordsDuration(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewSyncMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordSyncDuration(t.Context(), "booking", 1500*time.Millisecond, true)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := make([]string, 0)
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names = append(names, metric.Name)
		}
	}
	assert.Contains(t, names, "vhq_sync_domain_duration_seconds")
}

func TestQueueMetrics_RecordsPendingAndDropped(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewQueueMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordPending(t.Context(), 4)
	m.RecordDropped(t.Context(), "booking")
	m.RecordDropped(t.Context(), "booking")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))

	names := make([]string, 0)
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names = append(names, metric.Name)
		}
	}
	assert.Contains(t, names, "vhq_sync_queue_pending_commands")
	assert.Contains(t, names, "vhq_sync_queue_dropped_commands_total")
}

func TestNewMeterProvider(t *testing.T) {
	t.Parallel()

	provider, err := NewMeterProvider("vhq-syncd", "test")
	require.NoError(t, err)
	assert.NotNil(t, provider)
}
