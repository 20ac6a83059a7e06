// Package compression provides compression of stored values.
//
// A framed value is a 1-byte compression type followed by the compressed
// (or raw) payload, so readers can decode values written with any setting.
// The table layer stores every value framed.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type uint8

const (
	// NoCompression indicates no compression.
	NoCompression Type = 0x0

	// SnappyCompression uses Google Snappy compression.
	SnappyCompression Type = 0x1

	// LZ4Compression uses LZ4 compression.
	LZ4Compression Type = 0x4

	// LZ4HCCompression uses LZ4 High Compression mode.
	LZ4HCCompression Type = 0x5

	// ZstdCompression uses Zstandard compression.
	ZstdCompression Type = 0x7
)

var (
	// ErrEmptyFrame is returned by Unframe for a zero-length input.
	ErrEmptyFrame = errors.New("compression: empty frame")
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case NoCompression:
		return "NoCompression"
	case SnappyCompression:
		return "Snappy"
	case LZ4Compression:
		return "LZ4"
	case LZ4HCCompression:
		return "LZ4HC"
	case ZstdCompression:
		return "ZSTD"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// ParseType is the inverse of String.
func ParseType(s string) (Type, error) {
	for _, t := range []Type{NoCompression, SnappyCompression, LZ4Compression, LZ4HCCompression, ZstdCompression} {
		if t.String() == s {
			return t, nil
		}
	}
	return NoCompression, fmt.Errorf("compression: unknown type %q", s)
}

// IsSupported returns true if the compression type is supported.
func (t Type) IsSupported() bool {
	switch t {
	case NoCompression, SnappyCompression, LZ4Compression, LZ4HCCompression, ZstdCompression:
		return true
	default:
		return false
	}
}

// Compress compresses data using the specified compression type.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil

	case SnappyCompression:
		return snappy.Encode(nil, data), nil

	case LZ4Compression:
		return compressLZ4(data, lz4.Fast)

	case LZ4HCCompression:
		return compressLZ4(data, lz4.Level9)

	case ZstdCompression:
		enc, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return enc.encoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// compressLZ4 compresses data using LZ4.
func compressLZ4(data []byte, level lz4.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("lz4 apply level: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll and
// expensive to build, so one pair is shared.
type zstdPair struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var zstdCodec = sync.OnceValues(func() (*zstdPair, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdPair{encoder: enc, decoder: dec}, nil
})

// Decompress decompresses data using the specified compression type.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil

	case SnappyCompression:
		return snappy.Decode(nil, data)

	case LZ4Compression, LZ4HCCompression:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))

	case ZstdCompression:
		dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return dec.decoder.DecodeAll(data, nil)

	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// Frame compresses data and prefixes it with the type byte.
func Frame(t Type, data []byte) ([]byte, error) {
	payload, err := Compress(t, data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(t))
	return append(out, payload...), nil
}

// Unframe reads the type byte and decompresses the rest.
func Unframe(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, ErrEmptyFrame
	}
	t := Type(framed[0])
	if !t.IsSupported() {
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	out, err := Decompress(t, framed[1:])
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", t, err)
	}
	return out, nil
}
