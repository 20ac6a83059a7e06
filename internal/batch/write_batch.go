// Package batch implements the commit record of the in-process engine.
//
// A committed transaction's effects are collected into a WriteBatch,
// stamped with the commit version, then applied to the versioned store and,
// when persistence is enabled, to the snapshot file.
//
// WriteBatch format:
//
//	Header (12 bytes):
//	  - 8 bytes: commit version (little-endian uint64)
//	  - 4 bytes: count (little-endian uint32)
//	Records (repeated):
//	  - 1 byte: tag (record type)
//	  - length-prefixed key
//	  - (TypeValue only): length-prefixed value
package batch

import (
	"errors"
	"fmt"

	"github.com/aalhour/fdb/internal/encoding"
)

// HeaderSize is the size in bytes of the WriteBatch header.
const HeaderSize = 12

// Record types.
const (
	TypeDeletion byte = 0x00
	TypeValue    byte = 0x01
)

var (
	// ErrCorrupted indicates a malformed WriteBatch.
	ErrCorrupted = errors.New("batch: corrupted write batch")

	// ErrTooSmall indicates the batch is smaller than the header.
	ErrTooSmall = errors.New("batch: too small")
)

// WriteBatch is an ordered list of point writes applied atomically.
type WriteBatch struct {
	data []byte
}

// New creates a new empty WriteBatch.
func New() *WriteBatch {
	return &WriteBatch{data: make([]byte, HeaderSize)}
}

// NewFromData wraps encoded batch data.
func NewFromData(data []byte) (*WriteBatch, error) {
	if len(data) < HeaderSize {
		return nil, ErrTooSmall
	}
	return &WriteBatch{data: data}, nil
}

// Clear resets the batch to empty.
func (wb *WriteBatch) Clear() {
	wb.data = wb.data[:HeaderSize]
	clear(wb.data)
}

// Data returns the raw batch data.
func (wb *WriteBatch) Data() []byte {
	return wb.data
}

// Size returns the size of the batch data in bytes.
func (wb *WriteBatch) Size() int {
	return len(wb.data)
}

// Count returns the number of records in the batch.
func (wb *WriteBatch) Count() uint32 {
	return encoding.DecodeFixed32(wb.data[8:12])
}

// Version returns the commit version stamped on the batch.
func (wb *WriteBatch) Version() uint64 {
	return encoding.DecodeFixed64(wb.data[0:8])
}

// SetVersion stamps the commit version.
func (wb *WriteBatch) SetVersion(v uint64) {
	copy(wb.data[0:8], encoding.AppendFixed64(nil, v))
}

func (wb *WriteBatch) incCount() {
	encoding.EncodeFixed32(wb.data[8:12], wb.Count()+1)
}

// Put records key=value.
func (wb *WriteBatch) Put(key, value []byte) {
	wb.data = append(wb.data, TypeValue)
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, value)
	wb.incCount()
}

// Delete records a tombstone for key.
func (wb *WriteBatch) Delete(key []byte) {
	wb.data = append(wb.data, TypeDeletion)
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.incCount()
}

// Handler is called for each record in the batch during iteration.
type Handler interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Iterate replays the records in order. Slices passed to the handler alias
// the batch.
func (wb *WriteBatch) Iterate(handler Handler) error {
	if len(wb.data) < HeaderSize {
		return ErrTooSmall
	}
	s := encoding.NewSlice(wb.data[HeaderSize:])
	var seen uint32
	for s.Remaining() > 0 {
		tag, _ := s.GetByte()
		key, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return fmt.Errorf("%w: bad key in record %d", ErrCorrupted, seen)
		}
		switch tag {
		case TypeValue:
			value, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return fmt.Errorf("%w: bad value in record %d", ErrCorrupted, seen)
			}
			if err := handler.Put(key, value); err != nil {
				return err
			}
		case TypeDeletion:
			if err := handler.Delete(key); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown tag 0x%02x", ErrCorrupted, tag)
		}
		seen++
	}
	if seen != wb.Count() {
		return fmt.Errorf("%w: count %d, found %d records", ErrCorrupted, wb.Count(), seen)
	}
	return nil
}
