package encoding

import (
	"bytes"
	"math"
	"testing"
)

func TestVarint64RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 300, 1 << 21, 1<<32 - 1, 1 << 40, math.MaxUint64}
	for _, v := range values {
		buf := AppendVarint64(nil, v)
		if len(buf) != VarintLength(v) {
			t.Fatalf("VarintLength(%d) = %d, encoded %d bytes", v, VarintLength(v), len(buf))
		}
		got, n, err := DecodeVarint64(buf)
		if err != nil {
			t.Fatalf("DecodeVarint64(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Fatalf("DecodeVarint64 = (%d, %d), want (%d, %d)", got, n, v, len(buf))
		}
	}
}

func TestVarint32Errors(t *testing.T) {
	if _, _, err := DecodeVarint32([]byte{0x80, 0x80}); err != ErrVarintTermination {
		t.Fatalf("truncated varint: got %v", err)
	}
	if _, _, err := DecodeVarint32([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x01}); err != ErrVarintOverflow {
		t.Fatalf("overlong varint: got %v", err)
	}
}

func TestLengthPrefixedSlice(t *testing.T) {
	buf := AppendLengthPrefixedSlice(nil, []byte("hello"))
	buf = AppendLengthPrefixedSlice(buf, nil)
	buf = AppendFixed64(buf, 42)
	buf = AppendFixed32(buf, 7)

	s := NewSlice(buf)
	v, ok := s.GetLengthPrefixedSlice()
	if !ok || !bytes.Equal(v, []byte("hello")) {
		t.Fatalf("first slice = %q, %v", v, ok)
	}
	v, ok = s.GetLengthPrefixedSlice()
	if !ok || len(v) != 0 {
		t.Fatalf("empty slice = %q, %v", v, ok)
	}
	if n, ok := s.GetFixed64(); !ok || n != 42 {
		t.Fatalf("GetFixed64 = %d, %v", n, ok)
	}
	if n, ok := s.GetFixed32(); !ok || n != 7 {
		t.Fatalf("GetFixed32 = %d, %v", n, ok)
	}
	if s.Remaining() != 0 {
		t.Fatalf("Remaining = %d", s.Remaining())
	}
	if _, ok := s.GetByte(); ok {
		t.Fatal("GetByte on empty slice should fail")
	}
}

func TestLengthPrefixedSliceTruncated(t *testing.T) {
	buf := AppendLengthPrefixedSlice(nil, []byte("hello"))
	if _, _, err := DecodeLengthPrefixedSlice(buf[:3]); err != ErrBufferTooSmall {
		t.Fatalf("truncated slice: got %v", err)
	}
}
