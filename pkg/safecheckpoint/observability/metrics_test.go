package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/version"
)

// setupMetricsTest creates a test meter provider and returns its reader.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}
	return reader, cleanup
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value for the datapoint carrying key=value.
func sumFor(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type")

	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordNormalization(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	versions := map[string]any{
		"a": "3.0",
		"b": "00000000000000000000000000000002.0.1",
		"c": 4,
		"d": "garbage",
		"e": nil,
	}
	stats := version.Normalizer{}.NormalizeAll(versions)
	m.RecordNormalization(context.Background(), "put", stats)

	rm := collectMetrics(t, reader)

	normalized := findMetric(rm, "safecheckpoint.versions.normalized")
	require.NotNil(t, normalized)
	assert.Equal(t, int64(2), sumFor(t, normalized, "shape", "dotted"))
	assert.Equal(t, int64(1), sumFor(t, normalized, "shape", "integer"))
	assert.Equal(t, int64(2), sumFor(t, normalized, "shape", "unrecognized"))

	fallbacks := findMetric(rm, "safecheckpoint.versions.fallback")
	require.NotNil(t, fallbacks)
	assert.Equal(t, int64(2), sumFor(t, fallbacks, "op", "put"))
}

func TestRecordOperation(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordOperation(ctx, "get", 2*time.Millisecond, nil)
	m.RecordOperation(ctx, "get", 3*time.Millisecond, errors.New("disk full"))

	rm := collectMetrics(t, reader)

	latency := findMetric(rm, "safecheckpoint.op.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "Expected Histogram type")
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)

	errs := findMetric(rm, "safecheckpoint.op.errors")
	require.NotNil(t, errs)
	assert.Equal(t, int64(1), sumFor(t, errs, "op", "get"))
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	ctx := context.Background()

	// Should not panic
	m.RecordNormalization(ctx, "put", version.Stats{})
	m.RecordOperation(ctx, "put", time.Second, errors.New("x"))
}
