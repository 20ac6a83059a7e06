// Package encoding provides the binary primitives shared by the engine's
// key format, its commit records and its snapshot file.
//
// Multi-byte integers are little-endian. Varints use 7-bit groups with the
// MSB as continuation bit.
package encoding

import (
	"encoding/binary"
	"errors"
)

// MaxVarint32Length is the maximum number of bytes a varint32 can occupy.
const MaxVarint32Length = 5

// MaxVarint64Length is the maximum number of bytes a varint64 can occupy.
const MaxVarint64Length = 10

var (
	// ErrBufferTooSmall is returned when the buffer doesn't have enough space.
	ErrBufferTooSmall = errors.New("encoding: buffer too small")

	// ErrVarintOverflow is returned when a varint exceeds the maximum value.
	ErrVarintOverflow = errors.New("encoding: varint overflow")

	// ErrVarintTermination is returned when varint doesn't terminate properly.
	ErrVarintTermination = errors.New("encoding: varint not terminated")
)

// AppendFixed32 appends a little-endian uint32 to dst.
func AppendFixed32(dst []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, value)
}

// AppendFixed64 appends a little-endian uint64 to dst.
func AppendFixed64(dst []byte, value uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, value)
}

// EncodeFixed32 writes value into the first 4 bytes of dst.
func EncodeFixed32(dst []byte, value uint32) {
	binary.LittleEndian.PutUint32(dst, value)
}

// DecodeFixed32 decodes a uint32 from the first 4 bytes of src.
func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// DecodeFixed64 decodes a uint64 from the first 8 bytes of src.
func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// AppendVarint32 appends v as a varint.
func AppendVarint32(dst []byte, v uint32) []byte {
	return AppendVarint64(dst, uint64(v))
}

// AppendVarint64 appends v as a varint.
func AppendVarint64(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// DecodeVarint32 decodes a varint32 from src.
// Returns the value and the number of bytes consumed.
func DecodeVarint32(src []byte) (uint32, int, error) {
	v, n, err := decodeVarint(src, 32)
	return uint32(v), n, err
}

// DecodeVarint64 decodes a varint64 from src.
func DecodeVarint64(src []byte) (uint64, int, error) {
	return decodeVarint(src, 64)
}

func decodeVarint(src []byte, bits uint) (uint64, int, error) {
	var result uint64
	for shift, i := uint(0), 0; shift < bits; shift, i = shift+7, i+1 {
		if i >= len(src) {
			return 0, 0, ErrVarintTermination
		}
		b := src[i]
		if b < 0x80 {
			return result | uint64(b)<<shift, i + 1, nil
		}
		result |= uint64(b&0x7f) << shift
	}
	return 0, 0, ErrVarintOverflow
}

// VarintLength returns the number of bytes needed to encode v as a varint.
func VarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendLengthPrefixedSlice appends [varint32 len][bytes].
func AppendLengthPrefixedSlice(dst []byte, value []byte) []byte {
	dst = AppendVarint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// DecodeLengthPrefixedSlice decodes a length-prefixed slice from src.
// The returned slice aliases src.
func DecodeLengthPrefixedSlice(src []byte) ([]byte, int, error) {
	length, n, err := DecodeVarint32(src)
	if err != nil {
		return nil, 0, err
	}
	end := n + int(length)
	if end > len(src) {
		return nil, 0, ErrBufferTooSmall
	}
	return src[n:end], end, nil
}

// Slice is a read cursor over an encoded buffer.
type Slice struct {
	data []byte
}

// NewSlice creates a cursor over data.
func NewSlice(data []byte) *Slice {
	return &Slice{data: data}
}

// Remaining returns the number of unread bytes.
func (s *Slice) Remaining() int {
	return len(s.data)
}

// GetByte reads one byte.
func (s *Slice) GetByte() (byte, bool) {
	if len(s.data) == 0 {
		return 0, false
	}
	b := s.data[0]
	s.data = s.data[1:]
	return b, true
}

// GetFixed32 reads a little-endian uint32.
func (s *Slice) GetFixed32() (uint32, bool) {
	if len(s.data) < 4 {
		return 0, false
	}
	v := DecodeFixed32(s.data)
	s.data = s.data[4:]
	return v, true
}

// GetFixed64 reads a little-endian uint64.
func (s *Slice) GetFixed64() (uint64, bool) {
	if len(s.data) < 8 {
		return 0, false
	}
	v := DecodeFixed64(s.data)
	s.data = s.data[8:]
	return v, true
}

// GetLengthPrefixedSlice reads a length-prefixed slice.
func (s *Slice) GetLengthPrefixedSlice() ([]byte, bool) {
	v, n, err := DecodeLengthPrefixedSlice(s.data)
	if err != nil {
		return nil, false
	}
	s.data = s.data[n:]
	return v, true
}
