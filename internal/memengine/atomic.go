package memengine

import (
	"bytes"

	"github.com/aalhour/fdb/native"
)

// maxValueSize bounds AppendIfFits.
const maxValueSize = 100_000

// applyMutation computes the value left by op applied to the existing value.
// present reports whether the key exists afterwards.
func applyMutation(op native.MutationType, existing []byte, exists bool, param []byte) (out []byte, present bool) {
	switch op {
	case native.MutationAdd:
		return addLittleEndian(resize(existing, len(param)), param), true

	case native.MutationBitAnd:
		if !exists {
			return bytes.Clone(param), true
		}
		out = resize(existing, len(param))
		for i := range out {
			out[i] &= param[i]
		}
		return out, true

	case native.MutationBitOr:
		out = resize(existing, len(param))
		for i := range out {
			out[i] |= param[i]
		}
		return out, true

	case native.MutationBitXor:
		out = resize(existing, len(param))
		for i := range out {
			out[i] ^= param[i]
		}
		return out, true

	case native.MutationMax:
		cur := resize(existing, len(param))
		if !exists || compareLittleEndian(param, cur) > 0 {
			return bytes.Clone(param), true
		}
		return cur, true

	case native.MutationMin:
		cur := resize(existing, len(param))
		if !exists || compareLittleEndian(param, cur) < 0 {
			return bytes.Clone(param), true
		}
		return cur, true

	case native.MutationByteMax:
		if !exists || bytes.Compare(param, existing) > 0 {
			return bytes.Clone(param), true
		}
		return bytes.Clone(existing), true

	case native.MutationByteMin:
		if !exists || bytes.Compare(param, existing) < 0 {
			return bytes.Clone(param), true
		}
		return bytes.Clone(existing), true

	case native.MutationAppendIfFits:
		if len(existing)+len(param) > maxValueSize {
			return bytes.Clone(existing), true
		}
		out = make([]byte, 0, len(existing)+len(param))
		out = append(out, existing...)
		return append(out, param...), true

	case native.MutationCompareAndClear:
		if exists && bytes.Equal(existing, param) {
			return nil, false
		}
		return bytes.Clone(existing), exists
	}
	return bytes.Clone(existing), exists
}

// resize copies b into a buffer of n bytes, truncating or zero-padding the
// high end.
func resize(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func addLittleEndian(a, b []byte) []byte {
	var carry uint16
	for i := range a {
		sum := uint16(a[i]) + uint16(b[i]) + carry
		a[i] = byte(sum)
		carry = sum >> 8
	}
	return a
}

// compareLittleEndian compares equal-length unsigned little-endian integers.
func compareLittleEndian(a, b []byte) int {
	for i := len(a) - 1; i >= 0; i-- {
		switch {
		case a[i] > b[i]:
			return 1
		case a[i] < b[i]:
			return -1
		}
	}
	return 0
}

func validMutation(op native.MutationType) bool {
	switch op {
	case native.MutationAdd, native.MutationBitAnd, native.MutationBitOr, native.MutationBitXor,
		native.MutationAppendIfFits, native.MutationMax, native.MutationMin,
		native.MutationByteMin, native.MutationByteMax, native.MutationCompareAndClear:
		return true
	}
	return false
}
