// Package observability provides logging, metrics, and tracing hooks for
// the checkpoint layer.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds a logger writing to w.
// level is one of debug, info, warn, error; format is text or json.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel parses a level name. The empty string is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// EnrichLogger adds checkpoint key fields to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "thread-1", "", "cp-9")
//	enriched.Debug("loading") // includes thread_id, namespace, checkpoint_id
func EnrichLogger(logger *slog.Logger, threadID, namespace, checkpointID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("thread_id", threadID),
		slog.String("namespace", namespace),
		slog.String("checkpoint_id", checkpointID),
	)
}

// LogNormalized logs one converted version marker.
func LogNormalized(logger *slog.Logger, op, channel string, from any, to int64, shape string) {
	if logger == nil {
		return
	}
	logger.Debug("version marker normalized",
		slog.String("operation", op),
		slog.String("channel", channel),
		slog.String("from", fmt.Sprintf("%#v", from)),
		slog.Int64("to", to),
		slog.String("shape", shape),
	)
}

// LogFallback logs a marker that carried no usable version information.
// Fallbacks mean the upstream engine produced an encoding nobody expected.
func LogFallback(logger *slog.Logger, op, channel string, from any, to int64) {
	if logger == nil {
		return
	}
	logger.Warn("version marker unrecognized, using fallback",
		slog.String("operation", op),
		slog.String("channel", channel),
		slog.String("from", fmt.Sprintf("%#v", from)),
		slog.String("type", fmt.Sprintf("%T", from)),
		slog.Int64("to", to),
	)
}

// LogVersionsSkipped logs a checkpoint whose versions field could not be
// normalized because of its shape.
func LogVersionsSkipped(logger *slog.Logger, op, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("versions not normalized",
		slog.String("operation", op),
		slog.String("reason", reason),
	)
}

// LogSaverOpened logs backend construction.
func LogSaverOpened(logger *slog.Logger, backend, location string) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint saver opened",
		slog.String("backend", backend),
		slog.String("location", location),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
