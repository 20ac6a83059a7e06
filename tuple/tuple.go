// Package tuple implements the ordered, type-tagged key encoding used by
// subspaces and the directory layer.
//
// Encoded tuples sort in the same order as the values they encode, element
// by element, so a range read over a packed prefix returns every tuple that
// starts with it.
//
// Supported element types:
//
//	nil                              0x00
//	[]byte                           0x01
//	string                           0x02
//	Tuple                            0x05 (nested)
//	int, int8..int64, uint..uint64   0x0c..0x1c
//	float32, float64                 0x21 (always decoded as float64)
//	bool                             0x26 / 0x27
//	uuid.UUID                        0x30
package tuple

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Element is one value in a Tuple.
type Element any

// Tuple is an ordered list of elements.
type Tuple []Element

const (
	nilCode    = 0x00
	bytesCode  = 0x01
	stringCode = 0x02
	nestedCode = 0x05
	intZero    = 0x14
	doubleCode = 0x21
	falseCode  = 0x26
	trueCode   = 0x27
	uuidCode   = 0x30

	escape = 0xff
)

var (
	// ErrInvalidTuple is returned when decoding malformed bytes.
	ErrInvalidTuple = errors.New("tuple: invalid encoding")

	// ErrUnsupportedType is returned when packing an unknown element type.
	ErrUnsupportedType = errors.New("tuple: unsupported element type")
)

// Pack encodes t. It panics on unsupported element types; use PackChecked
// to get an error instead.
func (t Tuple) Pack() []byte {
	b, err := t.PackChecked()
	if err != nil {
		panic(err)
	}
	return b
}

// PackChecked encodes t.
func (t Tuple) PackChecked() ([]byte, error) {
	return t.AppendPacked(nil)
}

// AppendPacked appends the encoding of t to dst.
func (t Tuple) AppendPacked(dst []byte) ([]byte, error) {
	var err error
	for _, e := range t {
		if dst, err = appendElement(dst, e, false); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendElement(dst []byte, e Element, nested bool) ([]byte, error) {
	switch v := e.(type) {
	case nil:
		if nested {
			return append(dst, nilCode, escape), nil
		}
		return append(dst, nilCode), nil
	case []byte:
		return appendEscaped(append(dst, bytesCode), v), nil
	case string:
		return appendEscaped(append(dst, stringCode), []byte(v)), nil
	case Tuple:
		dst = append(dst, nestedCode)
		var err error
		for _, inner := range v {
			if dst, err = appendElement(dst, inner, true); err != nil {
				return nil, err
			}
		}
		return append(dst, nilCode), nil
	case int:
		return appendInt(dst, int64(v)), nil
	case int8:
		return appendInt(dst, int64(v)), nil
	case int16:
		return appendInt(dst, int64(v)), nil
	case int32:
		return appendInt(dst, int64(v)), nil
	case int64:
		return appendInt(dst, v), nil
	case uint:
		return appendUint(dst, uint64(v)), nil
	case uint8:
		return appendUint(dst, uint64(v)), nil
	case uint16:
		return appendUint(dst, uint64(v)), nil
	case uint32:
		return appendUint(dst, uint64(v)), nil
	case uint64:
		return appendUint(dst, v), nil
	case float32:
		return appendDouble(dst, float64(v)), nil
	case float64:
		return appendDouble(dst, v), nil
	case bool:
		if v {
			return append(dst, trueCode), nil
		}
		return append(dst, falseCode), nil
	case uuid.UUID:
		return append(append(dst, uuidCode), v[:]...), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, e)
	}
}

// appendEscaped writes b followed by a terminator, escaping NUL as 00 FF.
func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		dst = append(dst, c)
		if c == nilCode {
			dst = append(dst, escape)
		}
	}
	return append(dst, nilCode)
}

func byteLen(v uint64) int {
	n := 0
	for v > 0 {
		n++
		v >>= 8
	}
	return n
}

func appendUint(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, intZero)
	}
	n := byteLen(v)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(append(dst, byte(intZero+n)), buf[8-n:]...)
}

func appendInt(dst []byte, v int64) []byte {
	if v >= 0 {
		return appendUint(dst, uint64(v))
	}
	// Negative integers are stored as the ones' complement of their
	// magnitude, so larger magnitudes sort first.
	mag := uint64(-(v + 1)) + 1
	n := byteLen(mag)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ^mag)
	return append(append(dst, byte(intZero-n)), buf[8-n:]...)
}

func appendDouble(dst []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return append(append(dst, doubleCode), buf[:]...)
}

// Unpack decodes a packed tuple.
func Unpack(b []byte) (Tuple, error) {
	var t Tuple
	for len(b) > 0 {
		e, rest, err := decodeElement(b, false)
		if err != nil {
			return nil, err
		}
		t = append(t, e)
		b = rest
	}
	return t, nil
}

func decodeElement(b []byte, nested bool) (Element, []byte, error) {
	code := b[0]
	switch {
	case code == nilCode:
		if nested {
			if len(b) < 2 || b[1] != escape {
				return nil, nil, ErrInvalidTuple
			}
			return nil, b[2:], nil
		}
		return nil, b[1:], nil
	case code == bytesCode:
		v, rest, err := decodeEscaped(b[1:])
		return v, rest, err
	case code == stringCode:
		v, rest, err := decodeEscaped(b[1:])
		if err != nil {
			return nil, nil, err
		}
		return string(v), rest, nil
	case code == nestedCode:
		var inner Tuple
		b = b[1:]
		for {
			if len(b) == 0 {
				return nil, nil, ErrInvalidTuple
			}
			if b[0] == nilCode && (len(b) == 1 || b[1] != escape) {
				if inner == nil {
					inner = Tuple{}
				}
				return inner, b[1:], nil
			}
			e, rest, err := decodeElement(b, true)
			if err != nil {
				return nil, nil, err
			}
			inner = append(inner, e)
			b = rest
		}
	case code >= intZero-8 && code <= intZero+8:
		return decodeInt(b)
	case code == doubleCode:
		if len(b) < 9 {
			return nil, nil, ErrInvalidTuple
		}
		bits := binary.BigEndian.Uint64(b[1:9])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), b[9:], nil
	case code == falseCode:
		return false, b[1:], nil
	case code == trueCode:
		return true, b[1:], nil
	case code == uuidCode:
		if len(b) < 17 {
			return nil, nil, ErrInvalidTuple
		}
		var u uuid.UUID
		copy(u[:], b[1:17])
		return u, b[17:], nil
	}
	return nil, nil, fmt.Errorf("%w: unknown type code 0x%02x", ErrInvalidTuple, code)
}

func decodeEscaped(b []byte) ([]byte, []byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != nilCode {
			out = append(out, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == escape {
			out = append(out, nilCode)
			i++
			continue
		}
		return out, b[i+1:], nil
	}
	return nil, nil, ErrInvalidTuple
}

func decodeInt(b []byte) (Element, []byte, error) {
	code := int(b[0])
	if code == intZero {
		return int64(0), b[1:], nil
	}
	neg := code < intZero
	n := code - intZero
	if neg {
		n = -n
	}
	if len(b) < n+1 {
		return nil, nil, ErrInvalidTuple
	}
	var buf [8]byte
	copy(buf[8-n:], b[1:n+1])
	v := binary.BigEndian.Uint64(buf[:])
	rest := b[n+1:]
	if !neg {
		if v > math.MaxInt64 {
			return v, rest, nil
		}
		return int64(v), rest, nil
	}
	// Undo the ones' complement over n bytes.
	mag := ^v
	if n < 8 {
		mag &= (1 << (8 * uint(n))) - 1
	}
	if mag > 1<<63 {
		return nil, nil, fmt.Errorf("%w: integer out of range", ErrInvalidTuple)
	}
	return -int64(mag-1) - 1, rest, nil
}

// Strinc returns the first key that does not have b as a prefix, for use
// as the exclusive end of a prefix range. Trailing 0xff bytes are dropped.
func Strinc(b []byte) ([]byte, error) {
	b = bytes.TrimRight(b, "\xff")
	if len(b) == 0 {
		return nil, errors.New("tuple: key must contain at least one byte not equal to 0xff")
	}
	out := bytes.Clone(b)
	out[len(out)-1]++
	return out, nil
}

// Equal reports whether two tuples have equal encodings.
func Equal(a, b Tuple) bool {
	pa, errA := a.PackChecked()
	pb, errB := b.PackChecked()
	return errA == nil && errB == nil && bytes.Equal(pa, pb)
}

// String formats t for logs, e.g. ("app", 42).
func (t Tuple) String() string {
	var sb bytes.Buffer
	sb.WriteByte('(')
	for i, e := range t {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch v := e.(type) {
		case nil:
			sb.WriteString("nil")
		case string:
			fmt.Fprintf(&sb, "%q", v)
		case []byte:
			fmt.Fprintf(&sb, "b%q", v)
		case Tuple:
			sb.WriteString(v.String())
		default:
			fmt.Fprintf(&sb, "%v", v)
		}
	}
	if len(t) == 1 {
		sb.WriteByte(',')
	}
	sb.WriteByte(')')
	return sb.String()
}
