package fdb

// types.go implements key-value pairs, ranges and selectors.

import (
	"github.com/aalhour/fdb/native"
	"github.com/aalhour/fdb/subspace"
)

// KeyValue is one row of a range read.
type KeyValue = native.KeyValue

// KeySelector names a key relative to a reference key.
type KeySelector = native.KeySelector

// MutationType selects an atomic operation.
type MutationType = native.MutationType

// StreamingMode tunes how range reads are split into chunks.
type StreamingMode = native.StreamingMode

// Atomic operations.
const (
	MutationAdd             = native.MutationAdd
	MutationBitAnd          = native.MutationBitAnd
	MutationBitOr           = native.MutationBitOr
	MutationBitXor          = native.MutationBitXor
	MutationAppendIfFits    = native.MutationAppendIfFits
	MutationMax             = native.MutationMax
	MutationMin             = native.MutationMin
	MutationByteMin         = native.MutationByteMin
	MutationByteMax         = native.MutationByteMax
	MutationCompareAndClear = native.MutationCompareAndClear
)

// Streaming modes.
const (
	StreamingModeWantAll  = native.StreamingModeWantAll
	StreamingModeIterator = native.StreamingModeIterator
	StreamingModeExact    = native.StreamingModeExact
	StreamingModeSmall    = native.StreamingModeSmall
	StreamingModeMedium   = native.StreamingModeMedium
	StreamingModeLarge    = native.StreamingModeLarge
	StreamingModeSerial   = native.StreamingModeSerial
)

// FirstGreaterOrEqual selects the smallest key >= key.
func FirstGreaterOrEqual(key []byte) KeySelector { return native.FirstGreaterOrEqual(key) }

// FirstGreaterThan selects the smallest key > key.
func FirstGreaterThan(key []byte) KeySelector { return native.FirstGreaterThan(key) }

// LastLessOrEqual selects the largest key <= key.
func LastLessOrEqual(key []byte) KeySelector { return native.LastLessOrEqual(key) }

// LastLessThan selects the largest key < key.
func LastLessThan(key []byte) KeySelector { return native.LastLessThan(key) }

// KeyRange is the half-open key range [Begin, End).
type KeyRange struct {
	Begin []byte
	End   []byte
}

// Selectors returns the selectors reading exactly the keys in r.
func (r KeyRange) Selectors() (begin, end KeySelector) {
	return FirstGreaterOrEqual(r.Begin), FirstGreaterOrEqual(r.End)
}

// PrefixRange returns the range of keys packed inside s.
func PrefixRange(s subspace.Subspace) KeyRange {
	b, e := s.Range()
	return KeyRange{Begin: b, End: e}
}

// FullPrefixRange returns every key starting with the prefix of s,
// including the prefix itself.
func FullPrefixRange(s subspace.Subspace) KeyRange {
	b, e := s.FullRange()
	return KeyRange{Begin: b, End: e}
}
