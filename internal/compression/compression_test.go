package compression

import (
	"bytes"
	"testing"
)

var allTypes = []Type{NoCompression, SnappyCompression, LZ4Compression, LZ4HCCompression, ZstdCompression}

func TestNoCompression(t *testing.T) {
	data := []byte("hello world, this is test data for no compression")

	compressed, err := Compress(NoCompression, data)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if !bytes.Equal(compressed, data) {
		t.Error("NoCompression should return data unchanged")
	}
}

func TestRoundTripAllTypes(t *testing.T) {
	inputs := [][]byte{
		[]byte("x"),
		bytes.Repeat([]byte("hello world "), 100),
		bytes.Repeat([]byte{0x00, 0xff}, 4096),
	}
	for _, typ := range allTypes {
		t.Run(typ.String(), func(t *testing.T) {
			for _, data := range inputs {
				compressed, err := Compress(typ, data)
				if err != nil {
					t.Fatalf("Compress failed: %v", err)
				}
				decompressed, err := Decompress(typ, compressed)
				if err != nil {
					t.Fatalf("Decompress failed: %v", err)
				}
				if !bytes.Equal(decompressed, data) {
					t.Fatalf("round trip mismatch for %d bytes", len(data))
				}
			}
		})
	}
}

func TestFrameUnframe(t *testing.T) {
	data := bytes.Repeat([]byte("framed value "), 64)
	for _, typ := range allTypes {
		framed, err := Frame(typ, data)
		if err != nil {
			t.Fatalf("Frame(%s) failed: %v", typ, err)
		}
		if Type(framed[0]) != typ {
			t.Fatalf("type byte = %d, want %d", framed[0], typ)
		}
		got, err := Unframe(framed)
		if err != nil {
			t.Fatalf("Unframe(%s) failed: %v", typ, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("Unframe(%s) mismatch", typ)
		}
	}
}

func TestUnframeErrors(t *testing.T) {
	if _, err := Unframe(nil); err != ErrEmptyFrame {
		t.Fatalf("Unframe(nil) = %v, want ErrEmptyFrame", err)
	}
	if _, err := Unframe([]byte{0x42, 1, 2}); err == nil {
		t.Fatal("Unframe with unknown type should fail")
	}
	if _, err := Unframe([]byte{byte(SnappyCompression), 0xff, 0xff, 0xff}); err == nil {
		t.Fatal("Unframe with corrupt snappy payload should fail")
	}
}

func TestCompressionTypeString(t *testing.T) {
	for _, typ := range allTypes {
		parsed, err := ParseType(typ.String())
		if err != nil {
			t.Fatalf("ParseType(%q): %v", typ.String(), err)
		}
		if parsed != typ {
			t.Fatalf("ParseType(%q) = %v, want %v", typ.String(), parsed, typ)
		}
	}
	if _, err := ParseType("Brotli"); err == nil {
		t.Fatal("ParseType should reject unknown names")
	}
	if Type(0x2).IsSupported() {
		t.Fatal("zlib is not supported")
	}
}
