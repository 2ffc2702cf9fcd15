package safecheckpoint_test

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/checkpoint"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/config"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/serde"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/version"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// TestOpen_Backends verifies every local backend round-trips through the wrapper.
func TestOpen_Backends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config, string)
	}{
		{"memory", func(c *config.Config, _ string) {}},
		{"sqlite", func(c *config.Config, dir string) {
			c.Backend = config.BackendSQLite
			c.SQLite.Path = filepath.Join(dir, "cp.db")
		}},
		{"badger", func(c *config.Config, dir string) {
			c.Backend = config.BackendBadger
			c.Badger.Path = filepath.Join(dir, "cp.badger")
			c.Badger.GCInterval = 0
		}},
		{"badger in memory msgpack zstd", func(c *config.Config, _ string) {
			c.Backend = config.BackendBadger
			c.Badger.InMemory = true
			c.Badger.Path = ""
			c.Serializer.Codec = "msgpack"
			c.Serializer.Compression = "zstd"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := config.Default()
			tt.mutate(&cfg, t.TempDir())

			saver, err := safecheckpoint.Open(ctx, cfg, safecheckpoint.WithLogger(quietLogger()))
			require.NoError(t, err)
			defer saver.Close()

			key := checkpoint.Key{ThreadID: "thread-1"}
			cp := checkpoint.New(map[string]any{"messages": []any{"hi"}}, map[string]any{
				"__start__": "00000000000000000000000000000002.0.243798848838515",
				"messages":  1,
			})
			_, err = saver.Put(ctx, key, cp, nil, nil)
			require.NoError(t, err)

			got, err := saver.Get(ctx, key)
			require.NoError(t, err)
			versions, ok := got.Versions()
			require.True(t, ok)
			assert.Equal(t, map[string]any{"__start__": int64(2), "messages": int64(1)}, versions)
		})
	}
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "etcd"

	_, err := safecheckpoint.Open(context.Background(), cfg, safecheckpoint.WithLogger(quietLogger()))
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = safecheckpoint.OpenRaw(context.Background(), cfg, quietLogger())
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestOpen_BackendError(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.BackendSQLite
	cfg.SQLite.Path = "/nonexistent/dir/cp.db"

	_, err := safecheckpoint.Open(context.Background(), cfg, safecheckpoint.WithLogger(quietLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open sqlite saver")
}

// TestOpenRaw_StoresUnnormalized verifies the raw saver keeps stored markers as written.
func TestOpenRaw_StoresUnnormalized(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Backend = config.BackendSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "cp.db")

	raw, err := safecheckpoint.OpenRaw(ctx, cfg, quietLogger())
	require.NoError(t, err)

	key := checkpoint.Key{ThreadID: "t1"}
	_, err = raw.Put(ctx, key, checkpoint.New(nil, map[string]any{"a": "3.0"}), nil, nil)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	raw, err = safecheckpoint.OpenRaw(ctx, cfg, quietLogger())
	require.NoError(t, err)
	got, err := raw.Get(ctx, key)
	require.NoError(t, err)
	versions, _ := got.Versions()
	assert.Equal(t, "3.0", versions["a"])
	require.NoError(t, raw.Close())

	wrapped, err := safecheckpoint.Open(ctx, cfg, safecheckpoint.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer wrapped.Close()
	got, err = wrapped.Get(ctx, key)
	require.NoError(t, err)
	versions, _ = got.Versions()
	assert.Equal(t, int64(3), versions["a"])
}

func TestOpen_FallbackStrategy(t *testing.T) {
	cfg := config.Default()
	cfg.Normalizer.Fallback = "constant"

	saver, err := safecheckpoint.Open(context.Background(), cfg, safecheckpoint.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer saver.Close()

	assert.Equal(t, version.FallbackConstant, saver.Normalizer().Fallback())
}

func TestOpen_DefaultLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Format = "json"

	saver, err := safecheckpoint.Open(context.Background(), cfg, safecheckpoint.WithMetrics(), safecheckpoint.WithTracing())
	require.NoError(t, err)
	assert.NoError(t, saver.Close())
}

func TestNewSerializer(t *testing.T) {
	s, err := safecheckpoint.NewSerializer(config.SerializerConfig{Codec: "msgpack", Compression: "zstd"})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "msgpack", s.Codec().Name())
	assert.Equal(t, serde.CompressionZstd, s.Compression())

	_, err = safecheckpoint.NewSerializer(config.SerializerConfig{Codec: "gob", Compression: "none"})
	assert.Error(t, err)

	_, err = safecheckpoint.NewSerializer(config.SerializerConfig{Codec: "json", Compression: "lz4"})
	assert.Error(t, err)
}

func TestNewNormalizer(t *testing.T) {
	n, err := safecheckpoint.NewNormalizer(config.NormalizerConfig{Fallback: "hash"})
	require.NoError(t, err)
	assert.Equal(t, version.FallbackHash, n.Fallback())

	_, err = safecheckpoint.NewNormalizer(config.NormalizerConfig{Fallback: "random"})
	assert.Error(t, err)
}
