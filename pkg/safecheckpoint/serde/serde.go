// Package serde encodes checkpoint records for the underlying stores.
//
// A Serializer pairs a Codec (JSON or MessagePack) with optional zstd
// compression. Every encoded blob starts with a one-byte header naming the
// compression, so a store can read blobs written before its compression
// setting changed. The codec is not recorded; readers must use the codec
// the data was written with.
package serde

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts values to and from bytes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Compression selects the compression applied after encoding.
type Compression string

// Supported compression algorithms.
const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

const (
	headerNone byte = 0x00
	headerZstd byte = 0x01
)

// ErrCorrupt indicates a blob without a recognizable header.
var ErrCorrupt = errors.New("corrupt serialized data")

// JSON is the JSON codec. Numbers decode as json.Number so integer markers
// survive a round trip without turning into float64.
var JSON Codec = jsonCodec{}

// MsgPack is the MessagePack codec.
var MsgPack Codec = msgpackCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// CodecByName returns the codec for a configuration value.
// The empty string selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return MsgPack, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// ParseCompression parses a configuration value.
// The empty string selects CompressionNone.
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(s)) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

// Serializer encodes and compresses values.
// It is safe for concurrent use.
type Serializer struct {
	codec       Codec
	compression Compression
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	closeOnce   sync.Once
}

// New creates a Serializer. A nil codec selects JSON.
func New(codec Codec, compression Compression) (*Serializer, error) {
	if codec == nil {
		codec = JSON
	}
	if compression == "" {
		compression = CompressionNone
	}
	if compression != CompressionNone && compression != CompressionZstd {
		return nil, fmt.Errorf("unknown compression %q", compression)
	}

	// The decoder is always available so zstd blobs stay readable after
	// compression is switched off.
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Serializer{codec: codec, compression: compression, decoder: decoder}
	if compression == CompressionZstd {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		s.encoder = encoder
	}
	return s, nil
}

// Default returns an uncompressed JSON serializer.
func Default() *Serializer {
	s, err := New(JSON, CompressionNone)
	if err != nil {
		// zstd.NewReader(nil) with no options does not fail.
		panic(err)
	}
	return s
}

// Codec returns the codec in use.
func (s *Serializer) Codec() Codec {
	return s.codec
}

// Compression returns the compression applied on Encode.
func (s *Serializer) Compression() Compression {
	return s.compression
}

// Encode marshals v and compresses the result.
func (s *Serializer) Encode(v any) ([]byte, error) {
	data, err := s.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s encode: %w", s.codec.Name(), err)
	}

	if s.encoder == nil {
		out := make([]byte, 0, len(data)+1)
		out = append(out, headerNone)
		return append(out, data...), nil
	}

	out := make([]byte, 1, len(data)/2+1)
	out[0] = headerZstd
	return s.encoder.EncodeAll(data, out), nil
}

// Decode decompresses data and unmarshals it into v.
func (s *Serializer) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return ErrCorrupt
	}

	payload := data[1:]
	switch data[0] {
	case headerNone:
	case headerZstd:
		decoded, err := s.decoder.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("zstd decode: %w", err)
		}
		payload = decoded
	default:
		return fmt.Errorf("%w: header 0x%02x", ErrCorrupt, data[0])
	}

	if err := s.codec.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%s decode: %w", s.codec.Name(), err)
	}
	return nil
}

// Close releases the compression resources. Calls after the first are no-ops.
func (s *Serializer) Close() {
	s.closeOnce.Do(func() {
		if s.encoder != nil {
			_ = s.encoder.Close()
		}
		s.decoder.Close()
	})
}
