package benchmarks

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/checkpoint"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/serde"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/version"
)

// BenchmarkNormalize measures single-value normalization per shape.
func BenchmarkNormalize(b *testing.B) {
	inputs := map[string]any{
		"integer":      int64(42),
		"decimal":      "42",
		"dotted":       "00000000000000000000000000000002.0.243798848838515",
		"empty":        "",
		"unrecognized": "not_a_number",
	}
	n := version.New(version.FallbackHash)

	for name, v := range inputs {
		b.Run(name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = n.Normalize(v)
			}
		})
	}
}

// BenchmarkNormalizeAll measures whole-map normalization.
func BenchmarkNormalizeAll(b *testing.B) {
	n := version.New(version.FallbackHash)

	b.Run("already_normalized", func(b *testing.B) {
		versions := createVersions(20, false)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_ = n.NormalizeAll(versions)
		}
	})

	b.Run("mixed", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			b.StopTimer()
			versions := createVersions(20, true)
			b.StartTimer()
			_ = n.NormalizeAll(versions)
		}
	})
}

// BenchmarkMemorySaver_Put compares the raw saver with the normalizing wrapper.
func BenchmarkMemorySaver_Put(b *testing.B) {
	ctx := context.Background()
	key := checkpoint.Key{ThreadID: "bench"}

	b.Run("raw", func(b *testing.B) {
		saver := checkpoint.NewMemorySaver()
		defer saver.Close()
		for i := 0; i < b.N; i++ {
			_, _ = saver.Put(ctx, key, createCheckpoint(i), nil, nil)
		}
	})

	b.Run("typesafe", func(b *testing.B) {
		saver := checkpoint.NewTypeSafe(checkpoint.NewMemorySaver())
		defer saver.Close()
		for i := 0; i < b.N; i++ {
			_, _ = saver.Put(ctx, key, createCheckpoint(i), nil, nil)
		}
	})
}

// BenchmarkSQLiteSaver_Get measures latest-checkpoint reads through the wrapper.
func BenchmarkSQLiteSaver_Get(b *testing.B) {
	ctx := context.Background()
	inner, err := checkpoint.NewSQLiteSaver(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	saver := checkpoint.NewTypeSafe(inner)
	defer saver.Close()

	key := checkpoint.Key{ThreadID: "bench"}
	for i := 0; i < 100; i++ {
		if _, err := inner.Put(ctx, key, createCheckpoint(i), nil, nil); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = saver.Get(ctx, key)
	}
}

// BenchmarkSerializer measures record encoding per codec and compression.
func BenchmarkSerializer(b *testing.B) {
	cases := []struct {
		name        string
		codec       serde.Codec
		compression serde.Compression
	}{
		{"json", serde.JSON, serde.CompressionNone},
		{"json_zstd", serde.JSON, serde.CompressionZstd},
		{"msgpack", serde.MsgPack, serde.CompressionNone},
		{"msgpack_zstd", serde.MsgPack, serde.CompressionZstd},
	}

	cp := createCheckpoint(1)
	for _, tc := range cases {
		b.Run(tc.name, func(b *testing.B) {
			s, err := serde.New(tc.codec, tc.compression)
			if err != nil {
				b.Fatal(err)
			}
			defer s.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				data, err := s.Encode(cp)
				if err != nil {
					b.Fatal(err)
				}
				var out checkpoint.Checkpoint
				if err := s.Decode(data, &out); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// Helper functions

func createVersions(n int, mixed bool) map[string]any {
	versions := make(map[string]any, n)
	for i := 0; i < n; i++ {
		ch := fmt.Sprintf("channel-%d", i)
		if !mixed {
			versions[ch] = int64(i)
			continue
		}
		switch i % 4 {
		case 0:
			versions[ch] = int64(i)
		case 1:
			versions[ch] = fmt.Sprintf("%d", i)
		case 2:
			versions[ch] = fmt.Sprintf("%032d.0.243798848838515", i)
		default:
			versions[ch] = fmt.Sprintf("%d.0", i)
		}
	}
	return versions
}

func createCheckpoint(i int) checkpoint.Checkpoint {
	return checkpoint.New(
		map[string]any{
			"messages": []any{"m1", "m2", "m3"},
			"step":     i,
		},
		createVersions(8, true),
	)
}
