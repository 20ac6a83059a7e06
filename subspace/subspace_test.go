package subspace

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/fdb/tuple"
)

func TestPackUnpack(t *testing.T) {
	s := Sub([]byte("app"), "users")
	key := s.Pack(tuple.Tuple{int64(7), "name"})
	assert.True(t, s.Contains(key))

	got, err := s.Unpack(key)
	require.NoError(t, err)
	assert.Equal(t, tuple.Tuple{int64(7), "name"}, got)

	_, err = s.Unpack([]byte("other"))
	assert.ErrorIs(t, err, ErrKeyNotInSubspace)
}

func TestSubIsPrefix(t *testing.T) {
	root := FromBytes([]byte{0xfe})
	child := root.Sub("a").Sub(int64(1))
	assert.True(t, bytes.HasPrefix(child.Bytes(), root.Bytes()))
	assert.Equal(t, root.Pack(tuple.Tuple{"a", int64(1)}), child.Bytes())
}

func TestPartition(t *testing.T) {
	node := FromBytes([]byte{0xfe})
	root := node.Partition(node.Bytes())
	assert.Equal(t, []byte{0xfe, 0x01, 0xfe, 0x00}, root.Bytes())
}

func TestRanges(t *testing.T) {
	s := FromBytes([]byte("p"))
	b, e := s.Range()
	assert.Equal(t, []byte("p\x00"), b)
	assert.Equal(t, []byte("p\xff"), e)

	b, e = s.FullRange()
	assert.Equal(t, []byte("p"), b)
	assert.Equal(t, []byte("q"), e)

	b, e = Subspace{}.FullRange()
	assert.Empty(t, b)
	assert.Equal(t, []byte{0xff}, e)
}

func TestFromBytesCopies(t *testing.T) {
	raw := []byte("abc")
	s := FromBytes(raw)
	raw[0] = 'x'
	assert.Equal(t, []byte("abc"), s.Bytes())
	assert.True(t, s.Equal(FromBytes([]byte("abc"))))
}
