package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/fdb/internal/dbformat"
)

func put(mt *MemTable, v dbformat.Version, key, value string) {
	mt.Add(v, dbformat.TypeValue, []byte(key), []byte(value))
}

func del(mt *MemTable, v dbformat.Version, key string) {
	mt.Add(v, dbformat.TypeDeletion, []byte(key), nil)
}

func collect(it *VersionIterator, forward bool) []string {
	var out []string
	for it.Valid() {
		out = append(out, fmt.Sprintf("%s=%s", it.Key(), it.Value()))
		if forward {
			it.Next()
		} else {
			it.Prev()
		}
	}
	return out
}

func TestMemTable_GetSeesVersion(t *testing.T) {
	mt := NewMemTable()
	put(mt, 1, "a", "v1")
	put(mt, 3, "a", "v3")
	del(mt, 5, "a")

	_, found := mt.Get([]byte("a"), 0)
	assert.False(t, found)

	v, found := mt.Get([]byte("a"), 2)
	require.True(t, found)
	assert.Equal(t, "v1", string(v))

	v, found = mt.Get([]byte("a"), 4)
	require.True(t, found)
	assert.Equal(t, "v3", string(v))

	_, found = mt.Get([]byte("a"), 5)
	assert.False(t, found)

	_, found = mt.Get([]byte("b"), 10)
	assert.False(t, found)
	assert.Equal(t, dbformat.Version(5), mt.LatestVersion())
}

func TestMemTable_DuplicateAddIgnored(t *testing.T) {
	mt := NewMemTable()
	put(mt, 1, "a", "x")
	put(mt, 1, "a", "y")
	assert.Equal(t, int64(1), mt.Count())
}

func TestVersionIterator_Forward(t *testing.T) {
	mt := NewMemTable()
	put(mt, 1, "a", "1")
	put(mt, 1, "b", "1")
	put(mt, 2, "b", "2")
	put(mt, 1, "c", "1")
	del(mt, 3, "c")
	put(mt, 4, "d", "4")

	it := mt.NewIterator(2)
	it.SeekToFirst()
	assert.Equal(t, []string{"a=1", "b=2", "c=1"}, collect(it, true))

	it = mt.NewIterator(4)
	it.SeekToFirst()
	assert.Equal(t, []string{"a=1", "b=2", "d=4"}, collect(it, true))

	it.Seek([]byte("bb"))
	assert.Equal(t, []string{"d=4"}, collect(it, true))
}

func TestVersionIterator_Backward(t *testing.T) {
	mt := NewMemTable()
	put(mt, 1, "a", "1")
	put(mt, 1, "b", "1")
	put(mt, 5, "b", "5")
	put(mt, 2, "c", "2")
	del(mt, 3, "c")

	it := mt.NewIterator(4)
	it.SeekToLast()
	assert.Equal(t, []string{"b=1", "a=1"}, collect(it, false))

	it = mt.NewIterator(2)
	it.SeekForPrev([]byte("c"))
	assert.Equal(t, []string{"c=2", "b=1", "a=1"}, collect(it, false))

	it.SeekBefore([]byte("c"))
	require.True(t, it.Valid())
	assert.Equal(t, "b", string(it.Key()))

	it.SeekForPrev([]byte("0"))
	assert.False(t, it.Valid())
}

func TestVersionIterator_DirectionSwitch(t *testing.T) {
	mt := NewMemTable()
	for i, k := range []string{"a", "b", "c", "d"} {
		put(mt, dbformat.Version(i+1), k, k)
	}
	it := mt.NewIterator(10)
	it.Seek([]byte("b"))
	require.Equal(t, "b", string(it.Key()))
	it.Next()
	require.Equal(t, "c", string(it.Key()))
	it.Prev()
	require.Equal(t, "b", string(it.Key()))
	it.Prev()
	require.Equal(t, "a", string(it.Key()))
	it.Next()
	require.Equal(t, "b", string(it.Key()))
}
