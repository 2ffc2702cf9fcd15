package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/observability"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/version"
)

// TypeSafeSaver decorates a Saver so every channel version marker it
// stores or returns is an int64.
//
// Orchestration engines write version markers as integers, integer strings,
// floats rendered as strings ("3.0") or dotted composites
// ("00000000000000000000000000000002.0.2437..."). Comparing two markers of
// different types fails, so Put normalizes before delegating and Get
// normalizes what the inner saver returns. Only the versions map is
// touched. A map[string]any is rewritten in place; other string-keyed maps
// (map[string]string, map[string]json.Number) are replaced by a normalized
// map[string]any copy.
//
// List, DeleteThread and Close are delegated without interception. Errors
// from the inner saver are returned unchanged.
type TypeSafeSaver struct {
	Saver

	normalizer version.Normalizer
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
}

// Option configures a TypeSafeSaver.
type Option func(*TypeSafeSaver)

// WithLogger logs each converted marker at Debug and each fallback at Warn.
func WithLogger(logger *slog.Logger) Option {
	return func(s *TypeSafeSaver) {
		s.logger = logger
	}
}

// WithMetrics records normalization counts and operation latency.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(s *TypeSafeSaver) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithSpanManager opens one span per Put and Get.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(s *TypeSafeSaver) {
		if sm != nil {
			s.spans = sm
		}
	}
}

// WithNormalizer sets the normalizer, and with it the fallback strategy.
func WithNormalizer(n version.Normalizer) Option {
	return func(s *TypeSafeSaver) {
		s.normalizer = n
	}
}

// NewTypeSafe wraps inner.
func NewTypeSafe(inner Saver, opts ...Option) *TypeSafeSaver {
	s := &TypeSafeSaver{
		Saver:   inner,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Unwrap returns the inner saver.
func (s *TypeSafeSaver) Unwrap() Saver {
	return s.Saver
}

// Normalizer returns the normalizer in use.
func (s *TypeSafeSaver) Normalizer() version.Normalizer {
	return s.normalizer
}

// Put normalizes cp's versions in place and delegates to the inner saver.
// meta, hints and every other field of cp are passed through unchanged.
func (s *TypeSafeSaver) Put(ctx context.Context, key Key, cp Checkpoint, meta Metadata, hints ChannelVersions) (Key, error) {
	ctx, span := s.spans.StartOpSpan(ctx, "put", key.ThreadID, key.Namespace)
	done := observability.TimedOperation()

	s.normalize(ctx, "put", key, cp)

	stored, err := s.Saver.Put(ctx, key, cp, meta, hints)

	s.metrics.RecordOperation(ctx, "put", done(), err)
	s.spans.EndSpanWithError(span, err)
	return stored, err
}

// Get delegates to the inner saver and normalizes the returned checkpoint's
// versions in place.
func (s *TypeSafeSaver) Get(ctx context.Context, key Key) (Checkpoint, error) {
	ctx, span := s.spans.StartOpSpan(ctx, "get", key.ThreadID, key.Namespace)
	done := observability.TimedOperation()

	cp, err := s.Saver.Get(ctx, key)
	if err == nil && cp != nil {
		s.normalize(ctx, "get", key, cp)
	}

	s.metrics.RecordOperation(ctx, "get", done(), err)
	s.spans.EndSpanWithError(span, err)
	return cp, err
}

func (s *TypeSafeSaver) normalize(ctx context.Context, op string, key Key, cp Checkpoint) {
	versions, reason := versionsOf(cp)
	if versions == nil {
		if reason != "" {
			observability.LogVersionsSkipped(s.logger, op, reason)
		}
		return
	}

	logger := observability.EnrichLogger(s.logger, key.ThreadID, key.Namespace, cp.ID())
	var onConvert func(version.Conversion)
	if logger != nil {
		onConvert = func(c version.Conversion) {
			if c.Shape == version.ShapeUnrecognized {
				observability.LogFallback(logger, op, c.Channel, c.From, c.To)
				return
			}
			observability.LogNormalized(logger, op, c.Channel, c.From, c.To, c.Shape.String())
		}
	}

	stats := s.normalizer.NormalizeAllFunc(versions, onConvert)
	s.metrics.RecordNormalization(ctx, op, stats)

	if stats.Converted() > 0 {
		s.spans.AddSpanEvent(ctx, "versions.normalized",
			attribute.Int("converted", stats.Converted()),
			attribute.Int("fallbacks", stats.Fallbacks()),
		)
	}
}

var anyMapType = reflect.TypeOf(map[string]any(nil))

// versionsOf returns cp's versions map when it can be normalized. A typed
// string-keyed map is copied into a map[string]any that replaces it in cp.
// Otherwise it returns nil and, for shapes worth reporting, a reason.
func versionsOf(cp Checkpoint) (map[string]any, string) {
	if cp == nil {
		return nil, "checkpoint is nil"
	}
	raw, ok := cp[FieldVersions]
	if !ok {
		return nil, "versions missing"
	}

	switch v := raw.(type) {
	case map[string]any:
		return v, ""
	case ChannelVersions:
		return v, ""
	case map[string]int64, map[string]int:
		return nil, ""
	case nil:
		return nil, "versions is nil"
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, fmt.Sprintf("versions is %T", raw)
	}
	if rv.Type().ConvertibleTo(anyMapType) {
		return rv.Convert(anyMapType).Interface().(map[string]any), ""
	}
	switch rv.Type().Elem().Kind() {
	case reflect.Int, reflect.Int64:
		return nil, ""
	}
	if rv.Len() == 0 {
		return nil, ""
	}

	versions := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		versions[iter.Key().String()] = iter.Value().Interface()
	}
	cp[FieldVersions] = versions
	return versions, ""
}
