// Package subspace provides byte-prefix namespaces with tuple helpers.
package subspace

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/fdb/tuple"
)

// ErrKeyNotInSubspace is returned when unpacking a key outside the subspace.
var ErrKeyNotInSubspace = errors.New("subspace: key is not in subspace")

// Subspace is an immutable key prefix. The zero value is the empty prefix,
// which contains every key.
type Subspace struct {
	prefix []byte
}

// FromBytes returns a subspace with a raw prefix.
func FromBytes(prefix []byte) Subspace {
	return Subspace{prefix: bytes.Clone(prefix)}
}

// Sub returns the subspace prefix + pack(t).
func Sub(prefix []byte, t ...tuple.Element) Subspace {
	return FromBytes(prefix).Sub(t...)
}

// Bytes returns the prefix. The result must not be modified.
func (s Subspace) Bytes() []byte {
	return s.prefix
}

// Sub returns the child subspace for the packed elements.
func (s Subspace) Sub(t ...tuple.Element) Subspace {
	return Subspace{prefix: s.Pack(tuple.Tuple(t))}
}

// Partition is Sub with a raw byte key element. It names the child region
// a directory node keeps its metadata in.
func (s Subspace) Partition(key []byte) Subspace {
	return s.Sub(key)
}

// Key returns prefix + suffix.
func (s Subspace) Key(suffix []byte) []byte {
	out := make([]byte, 0, len(s.prefix)+len(suffix))
	out = append(out, s.prefix...)
	return append(out, suffix...)
}

// Pack returns the key for t inside the subspace.
func (s Subspace) Pack(t tuple.Tuple) []byte {
	out, err := t.AppendPacked(bytes.Clone(s.prefix))
	if err != nil {
		panic(err)
	}
	return out
}

// Unpack decodes the tuple stored after the prefix.
func (s Subspace) Unpack(key []byte) (tuple.Tuple, error) {
	if !s.Contains(key) {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotInSubspace, key)
	}
	return tuple.Unpack(key[len(s.prefix):])
}

// Contains reports whether key starts with the prefix.
func (s Subspace) Contains(key []byte) bool {
	return bytes.HasPrefix(key, s.prefix)
}

// Range returns the keys strictly inside the subspace: every packed tuple
// sorts in [prefix+0x00, prefix+0xff).
func (s Subspace) Range() (begin, end []byte) {
	return s.Key([]byte{0x00}), s.Key([]byte{0xff})
}

// FullRange returns [prefix, strinc(prefix)), which also covers the prefix
// key itself and raw suffixes starting with 0xff.
func (s Subspace) FullRange() (begin, end []byte) {
	if len(s.prefix) == 0 {
		return []byte{}, []byte{0xff}
	}
	end, err := tuple.Strinc(s.prefix)
	if err != nil {
		return bytes.Clone(s.prefix), []byte{0xff, 0xff}
	}
	return bytes.Clone(s.prefix), end
}

// Equal reports whether two subspaces share a prefix.
func (s Subspace) Equal(o Subspace) bool {
	return bytes.Equal(s.prefix, o.prefix)
}

func (s Subspace) String() string {
	return fmt.Sprintf("Subspace(%q)", s.prefix)
}
