package safecheckpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/checkpoint"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/config"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/observability"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/serde"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/version"
)

// openConfig holds configuration for Open.
type openConfig struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// OpenOption configures Open.
type OpenOption func(*openConfig)

// WithLogger sets the logger. Default: a stderr logger built from the
// config's logging section.
func WithLogger(logger *slog.Logger) OpenOption {
	return func(c *openConfig) {
		c.logger = logger
	}
}

// WithMetrics enables OpenTelemetry metrics through the global meter provider.
func WithMetrics() OpenOption {
	return func(c *openConfig) {
		c.metrics = observability.NewMetricsRecorder()
	}
}

// WithTracing enables OpenTelemetry spans through the global tracer provider.
func WithTracing() OpenOption {
	return func(c *openConfig) {
		c.spans = observability.NewSpanManager()
	}
}

// Open builds the configured backend and wraps it in a TypeSafeSaver.
func Open(ctx context.Context, cfg config.Config, opts ...OpenOption) (*checkpoint.TypeSafeSaver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	oc := openConfig{}
	for _, opt := range opts {
		opt(&oc)
	}
	if oc.logger == nil {
		logger, err := observability.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
		oc.logger = logger
	}

	normalizer, err := NewNormalizer(cfg.Normalizer)
	if err != nil {
		return nil, err
	}

	inner, err := OpenRaw(ctx, cfg, oc.logger)
	if err != nil {
		return nil, err
	}

	wrapOpts := []checkpoint.Option{
		checkpoint.WithLogger(oc.logger),
		checkpoint.WithNormalizer(normalizer),
	}
	if oc.metrics != nil {
		wrapOpts = append(wrapOpts, checkpoint.WithMetrics(oc.metrics))
	}
	if oc.spans != nil {
		wrapOpts = append(wrapOpts, checkpoint.WithSpanManager(oc.spans))
	}
	return checkpoint.NewTypeSafe(inner, wrapOpts...), nil
}

// OpenRaw builds the configured backend without the version-normalizing
// wrapper. It is meant for inspecting what is actually stored.
func OpenRaw(ctx context.Context, cfg config.Config, logger *slog.Logger) (checkpoint.Saver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	serializer, err := NewSerializer(cfg.Serializer)
	if err != nil {
		return nil, err
	}

	opts := []checkpoint.SaverOption{
		checkpoint.WithSerializer(serializer),
		checkpoint.WithSaverLogger(logger),
	}

	var saver checkpoint.Saver
	switch cfg.Backend {
	case config.BackendMemory:
		saver = checkpoint.NewMemorySaver(opts...)
	case config.BackendSQLite:
		saver, err = checkpoint.NewSQLiteSaver(cfg.SQLite.Path, append(opts, checkpoint.WithTableName(cfg.SQLite.Table))...)
	case config.BackendBadger:
		saver, err = checkpoint.NewBadgerSaver(checkpoint.BadgerConfig{
			Path:           cfg.Badger.Path,
			InMemory:       cfg.Badger.InMemory,
			SyncWrites:     cfg.Badger.SyncWrites,
			GCInterval:     cfg.Badger.GCInterval,
			GCDiscardRatio: cfg.Badger.GCDiscardRatio,
		}, opts...)
	case config.BackendPostgres:
		saver, err = checkpoint.NewPostgresSaver(ctx, cfg.Postgres.DSN, append(opts, checkpoint.WithTableName(cfg.Postgres.Table))...)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		serializer.Close()
		return nil, fmt.Errorf("open %s saver: %w", cfg.Backend, err)
	}
	return saver, nil
}

// NewSerializer builds the serializer described by cfg.
func NewSerializer(cfg config.SerializerConfig) (*serde.Serializer, error) {
	codec, err := serde.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	compression, err := serde.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return serde.New(codec, compression)
}

// NewNormalizer builds the normalizer described by cfg.
func NewNormalizer(cfg config.NormalizerConfig) (version.Normalizer, error) {
	strategy, err := version.ParseStrategy(cfg.Fallback)
	if err != nil {
		return version.Normalizer{}, err
	}
	return version.New(strategy), nil
}
