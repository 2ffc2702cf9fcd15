package serde_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/serde"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Checkpoint map[string]any `json:"checkpoint" msgpack:"checkpoint"`
	Metadata   map[string]any `json:"metadata" msgpack:"metadata"`
}

func newSerializer(t *testing.T, codec serde.Codec, compression serde.Compression) *serde.Serializer {
	t.Helper()
	s, err := serde.New(codec, compression)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSerializer_RoundTrip(t *testing.T) {
	in := record{
		Checkpoint: map[string]any{
			"id":       "cp-1",
			"versions": map[string]any{"messages": 3, "__start__": "00000000000000000000000000000002.0.1"},
		},
		Metadata: map[string]any{"step": 4},
	}

	for _, codec := range []serde.Codec{serde.JSON, serde.MsgPack} {
		for _, compression := range []serde.Compression{serde.CompressionNone, serde.CompressionZstd} {
			t.Run(codec.Name()+"/"+string(compression), func(t *testing.T) {
				s := newSerializer(t, codec, compression)

				data, err := s.Encode(in)
				require.NoError(t, err)

				var out record
				require.NoError(t, s.Decode(data, &out))
				assert.Equal(t, "cp-1", out.Checkpoint["id"])

				versions, ok := out.Checkpoint["versions"].(map[string]any)
				require.True(t, ok, "versions should decode as map[string]any, got %T", out.Checkpoint["versions"])
				assert.Equal(t, "00000000000000000000000000000002.0.1", versions["__start__"])
				assert.NotNil(t, versions["messages"])
			})
		}
	}
}

func TestSerializer_JSONKeepsIntegers(t *testing.T) {
	s := newSerializer(t, serde.JSON, serde.CompressionNone)

	data, err := s.Encode(map[string]any{"n": 7})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, s.Decode(data, &out))
	assert.Equal(t, json.Number("7"), out["n"])
}

func TestSerializer_ReadsOtherCompression(t *testing.T) {
	compressed := newSerializer(t, serde.JSON, serde.CompressionZstd)
	plain := newSerializer(t, serde.JSON, serde.CompressionNone)

	payload := map[string]any{"blob": string(bytes.Repeat([]byte("x"), 4096))}
	data, err := compressed.Encode(payload)
	require.NoError(t, err)
	assert.Less(t, len(data), 4096, "zstd should shrink repetitive data")

	var out map[string]any
	require.NoError(t, plain.Decode(data, &out))
	assert.Equal(t, payload["blob"], out["blob"])
}

func TestSerializer_DecodeErrors(t *testing.T) {
	s := newSerializer(t, serde.JSON, serde.CompressionNone)
	var out map[string]any

	assert.ErrorIs(t, s.Decode(nil, &out), serde.ErrCorrupt)
	assert.ErrorIs(t, s.Decode([]byte{0x7f, '{', '}'}, &out), serde.ErrCorrupt)
	assert.Error(t, s.Decode([]byte{0x00, '{'}, &out))
	assert.Error(t, s.Decode([]byte{0x01, 0xde, 0xad}, &out))
}

func TestNew_Defaults(t *testing.T) {
	s := newSerializer(t, nil, "")
	assert.Equal(t, "json", s.Codec().Name())
	assert.Equal(t, serde.CompressionNone, s.Compression())

	_, err := serde.New(serde.JSON, serde.Compression("lz4"))
	assert.Error(t, err)
}

func TestCodecByName(t *testing.T) {
	c, err := serde.CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = serde.CodecByName("MsgPack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = serde.CodecByName("gob")
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	c, err := serde.ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, serde.CompressionNone, c)

	c, err = serde.ParseCompression("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, serde.CompressionZstd, c)

	_, err = serde.ParseCompression("brotli")
	assert.Error(t, err)
}
