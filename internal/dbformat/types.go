// Package dbformat provides the internal key format of the in-process engine.
//
// An internal key is the user key followed by an 8-byte trailer
// (version << 8) | value_type, little-endian. Internal keys order by user
// key ascending, then by version descending, so a seek to
// (key, readVersion) lands on the newest entry visible at readVersion.
package dbformat

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/fdb/internal/encoding"
)

// Version is a commit version. Only the low 56 bits are usable.
type Version uint64

// MaxVersion is the largest version that fits in a trailer.
const MaxVersion Version = (1 << 56) - 1

// NumInternalBytes is the size of the internal key trailer.
const NumInternalBytes = 8

// ValueType tags an entry as a value or a tombstone.
type ValueType uint8

const (
	TypeDeletion ValueType = 0x00
	TypeValue    ValueType = 0x01
)

// ValueTypeForSeek sorts before every real entry of the same version.
const ValueTypeForSeek = TypeValue

var (
	// ErrKeyTooSmall is returned when an internal key is smaller than the trailer.
	ErrKeyTooSmall = errors.New("dbformat: internal key too small")

	// ErrInvalidValueType is returned when the value type is not recognized.
	ErrInvalidValueType = errors.New("dbformat: invalid value type")
)

// PackVersionAndType packs a version and value type into a trailer.
func PackVersionAndType(v Version, t ValueType) uint64 {
	return uint64(v)<<8 | uint64(t)
}

// UnpackVersionAndType splits a trailer.
func UnpackVersionAndType(packed uint64) (Version, ValueType) {
	return Version(packed >> 8), ValueType(packed & 0xff)
}

// ParsedInternalKey represents a parsed internal key.
type ParsedInternalKey struct {
	UserKey []byte
	Version Version
	Type    ValueType
}

// String returns a human-readable representation.
func (p *ParsedInternalKey) String() string {
	return fmt.Sprintf("'%q' @ %d : %d", p.UserKey, p.Version, p.Type)
}

// AppendInternalKey appends userKey and its trailer to dst.
func AppendInternalKey(dst, userKey []byte, v Version, t ValueType) []byte {
	dst = append(dst, userKey...)
	return encoding.AppendFixed64(dst, PackVersionAndType(v, t))
}

// ParseInternalKey parses an internal key. UserKey aliases data.
func ParseInternalKey(data []byte) (ParsedInternalKey, error) {
	n := len(data)
	if n < NumInternalBytes {
		return ParsedInternalKey{}, ErrKeyTooSmall
	}
	v, t := UnpackVersionAndType(encoding.DecodeFixed64(data[n-NumInternalBytes:]))
	p := ParsedInternalKey{UserKey: data[:n-NumInternalBytes], Version: v, Type: t}
	if t != TypeValue && t != TypeDeletion {
		return p, ErrInvalidValueType
	}
	return p, nil
}

// ExtractUserKey returns the user key portion of an internal key.
func ExtractUserKey(internalKey []byte) []byte {
	if len(internalKey) < NumInternalBytes {
		return nil
	}
	return internalKey[:len(internalKey)-NumInternalBytes]
}

// CompareInternalKeys orders by user key ascending, then trailer descending.
func CompareInternalKeys(a, b []byte) int {
	if len(a) < NumInternalBytes || len(b) < NumInternalBytes {
		return bytes.Compare(a, b)
	}
	if c := bytes.Compare(ExtractUserKey(a), ExtractUserKey(b)); c != 0 {
		return c
	}
	ta := encoding.DecodeFixed64(a[len(a)-NumInternalBytes:])
	tb := encoding.DecodeFixed64(b[len(b)-NumInternalBytes:])
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	}
	return 0
}
