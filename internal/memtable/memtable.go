package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/aalhour/fdb/internal/dbformat"
	"github.com/aalhour/fdb/internal/encoding"
)

// MemTable is a multi-version ordered store. Every committed write is kept
// as an (internal key, value) entry so reads at an older version still see
// the data that was current at that version.
//
// Entry format stored in the SkipList:
//
//	internal_key_size : varint32
//	internal_key      : user_key + 8 byte trailer (version << 8 | type)
//	value             : remaining bytes
type MemTable struct {
	skiplist *SkipList

	memoryUsage atomic.Int64
	latest      atomic.Uint64

	// Serializes writers; readers never lock.
	mu sync.Mutex
}

// NewMemTable creates an empty store.
func NewMemTable() *MemTable {
	return &MemTable{
		skiplist: NewSkipList(func(a, b []byte) int {
			return dbformat.CompareInternalKeys(extractInternalKey(a), extractInternalKey(b))
		}),
	}
}

func extractInternalKey(entry []byte) []byte {
	keyLen, n, err := encoding.DecodeVarint32(entry)
	if err != nil || int(keyLen) > len(entry)-n {
		return entry
	}
	return entry[n : n+int(keyLen)]
}

func buildEntry(key []byte, v dbformat.Version, typ dbformat.ValueType, value []byte) []byte {
	ikLen := len(key) + dbformat.NumInternalBytes
	entry := make([]byte, 0, encoding.VarintLength(uint64(ikLen))+ikLen+len(value))
	entry = encoding.AppendVarint32(entry, uint32(ikLen))
	entry = dbformat.AppendInternalKey(entry, key, v, typ)
	return append(entry, value...)
}

func parseEntry(entry []byte) (key, value []byte, v dbformat.Version, typ dbformat.ValueType, ok bool) {
	keyLen, n, err := encoding.DecodeVarint32(entry)
	if err != nil || int(keyLen) > len(entry)-n {
		return nil, nil, 0, 0, false
	}
	p, err := dbformat.ParseInternalKey(entry[n : n+int(keyLen)])
	if err != nil {
		return nil, nil, 0, 0, false
	}
	return p.UserKey, entry[n+int(keyLen):], p.Version, p.Type, true
}

// Add records a value or tombstone for key at version v.
func (mt *MemTable) Add(v dbformat.Version, typ dbformat.ValueType, key, value []byte) {
	entry := buildEntry(key, v, typ, value)

	mt.mu.Lock()
	inserted := mt.skiplist.Insert(entry)
	mt.mu.Unlock()

	if inserted {
		mt.memoryUsage.Add(int64(len(entry) + 64))
	}
	for {
		cur := mt.latest.Load()
		if uint64(v) <= cur || mt.latest.CompareAndSwap(cur, uint64(v)) {
			return
		}
	}
}

// Get returns the value of key as of version at. found is false when the
// key has no entry at or before at, or its newest such entry is a tombstone.
func (mt *MemTable) Get(key []byte, at dbformat.Version) (value []byte, found bool) {
	it := mt.skiplist.NewIterator()
	it.Seek(buildEntry(key, at, dbformat.ValueTypeForSeek, nil))
	if !it.Valid() {
		return nil, false
	}
	uk, val, _, typ, ok := parseEntry(it.Key())
	if !ok || !bytes.Equal(uk, key) || typ != dbformat.TypeValue {
		return nil, false
	}
	return val, true
}

// LatestVersion returns the highest version ever added.
func (mt *MemTable) LatestVersion() dbformat.Version {
	return dbformat.Version(mt.latest.Load())
}

// Count returns the number of raw entries (all versions).
func (mt *MemTable) Count() int64 {
	return mt.skiplist.Count()
}

// ApproximateMemoryUsage returns the approximate memory usage in bytes.
func (mt *MemTable) ApproximateMemoryUsage() int64 {
	return mt.memoryUsage.Load()
}

// NewIterator returns an iterator over the user keys visible at version at.
// Tombstoned keys are skipped.
func (mt *MemTable) NewIterator(at dbformat.Version) *VersionIterator {
	return &VersionIterator{raw: mt.skiplist.NewIterator(), at: at}
}

// VersionIterator iterates the snapshot of a MemTable at one version.
// Keys and values alias the store and must not be modified.
type VersionIterator struct {
	raw     *Iterator
	at      dbformat.Version
	key     []byte
	value   []byte
	valid   bool
	forward bool
}

// Valid returns true if the iterator is positioned at a visible key.
func (it *VersionIterator) Valid() bool { return it.valid }

// Key returns the current user key.
func (it *VersionIterator) Key() []byte { return it.key }

// Value returns the current value.
func (it *VersionIterator) Value() []byte { return it.value }

// SeekToFirst positions at the smallest visible key.
func (it *VersionIterator) SeekToFirst() {
	it.raw.SeekToFirst()
	it.settleForward()
}

// SeekToLast positions at the largest visible key.
func (it *VersionIterator) SeekToLast() {
	it.raw.SeekToLast()
	it.settleBackward()
}

// Seek positions at the first visible key >= target.
func (it *VersionIterator) Seek(target []byte) {
	it.raw.Seek(buildEntry(target, dbformat.MaxVersion, dbformat.ValueTypeForSeek, nil))
	it.settleForward()
}

// SeekForPrev positions at the last visible key <= target.
func (it *VersionIterator) SeekForPrev(target []byte) {
	// (target, 0, deletion) is the last possible internal key for target.
	it.raw.Seek(buildEntry(target, 0, dbformat.TypeDeletion, nil))
	if !it.raw.Valid() {
		it.raw.SeekToLast()
	} else if uk, _, _, _, _ := parseEntry(it.raw.Key()); bytes.Compare(uk, target) > 0 {
		it.raw.Prev()
	}
	it.settleBackward()
}

// SeekBefore positions at the last visible key < target.
func (it *VersionIterator) SeekBefore(target []byte) {
	it.raw.Seek(buildEntry(target, dbformat.MaxVersion, dbformat.ValueTypeForSeek, nil))
	if it.raw.Valid() {
		it.raw.Prev()
	} else {
		it.raw.SeekToLast()
	}
	it.settleBackward()
}

// Next advances to the next visible key.
func (it *VersionIterator) Next() {
	if !it.forward {
		succ := append(bytes.Clone(it.key), 0)
		it.Seek(succ)
		return
	}
	it.settleForward()
}

// Prev moves to the previous visible key.
func (it *VersionIterator) Prev() {
	if it.forward {
		it.SeekBefore(it.key)
		return
	}
	it.settleBackward()
}

// settleForward leaves raw at the first entry of the group after the
// returned key.
func (it *VersionIterator) settleForward() {
	it.forward = true
	for it.raw.Valid() {
		uk, val, v, typ, ok := parseEntry(it.raw.Key())
		if !ok || v > it.at {
			it.raw.Next()
			continue
		}
		for it.raw.Valid() {
			next, _, _, _, _ := parseEntry(it.raw.Key())
			if !bytes.Equal(next, uk) {
				break
			}
			it.raw.Next()
		}
		if typ == dbformat.TypeValue {
			it.key, it.value, it.valid = uk, val, true
			return
		}
	}
	it.key, it.value, it.valid = nil, nil, false
}

// settleBackward walks each group from its oldest entry, keeping the newest
// entry visible at it.at, and leaves raw at the previous group.
func (it *VersionIterator) settleBackward() {
	it.forward = false
	for it.raw.Valid() {
		uk, _, _, _, _ := parseEntry(it.raw.Key())
		var (
			candVal []byte
			candTyp dbformat.ValueType
			found   bool
		)
		for it.raw.Valid() {
			k, val, v, typ, ok := parseEntry(it.raw.Key())
			if !ok {
				it.raw.Prev()
				continue
			}
			if !bytes.Equal(k, uk) {
				break
			}
			if v <= it.at {
				candVal, candTyp, found = val, typ, true
			}
			it.raw.Prev()
		}
		if found && candTyp == dbformat.TypeValue {
			it.key, it.value, it.valid = uk, candVal, true
			return
		}
	}
	it.key, it.value, it.valid = nil, nil, false
}
