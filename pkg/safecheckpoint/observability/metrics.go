package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/version"
)

// MetricsRecorder records checkpoint layer metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordNormalization records the shapes seen in one versions map.
	RecordNormalization(ctx context.Context, op string, stats version.Stats)

	// RecordOperation records a Put or Get against the inner saver.
	RecordOperation(ctx context.Context, op string, duration time.Duration, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	normalized metric.Int64Counter
	fallbacks  metric.Int64Counter
	opLatency  metric.Float64Histogram
	opErrors   metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("safecheckpoint")

	normalized, err := meter.Int64Counter("safecheckpoint.versions.normalized",
		metric.WithDescription("Version markers inspected, by shape"),
	)
	if err != nil {
		return nil, err
	}

	fallbacks, err := meter.Int64Counter("safecheckpoint.versions.fallback",
		metric.WithDescription("Version markers mapped through the fallback path"),
	)
	if err != nil {
		return nil, err
	}

	opLatency, err := meter.Float64Histogram("safecheckpoint.op.latency_ms",
		metric.WithDescription("Checkpoint operation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	opErrors, err := meter.Int64Counter("safecheckpoint.op.errors",
		metric.WithDescription("Checkpoint operations that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		normalized: normalized,
		fallbacks:  fallbacks,
		opLatency:  opLatency,
		opErrors:   opErrors,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordNormalization records one counter increment per shape seen.
func (m *otelMetrics) RecordNormalization(ctx context.Context, op string, stats version.Stats) {
	stats.Each(func(shape version.Shape, count int) {
		m.normalized.Add(ctx, int64(count), metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("shape", shape.String()),
		))
	})
	if n := stats.Fallbacks(); n > 0 {
		m.fallbacks.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
	}
}

// RecordOperation records latency and, on failure, an error count.
func (m *otelMetrics) RecordOperation(ctx context.Context, op string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.opLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.opErrors.Add(ctx, 1, attrs)
	}
}
