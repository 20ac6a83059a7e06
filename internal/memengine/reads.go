package memengine

import (
	"bytes"
	"sort"

	"github.com/aalhour/fdb/internal/dbformat"
	"github.com/aalhour/fdb/native"
)

func (tx *transaction) inClearedLocked(key []byte) bool {
	for _, r := range tx.cleared {
		if r.contains(key) {
			return true
		}
	}
	return false
}

// pointValueLocked returns the value of key at rv as seen by this
// transaction, including its own uncommitted writes.
func (tx *transaction) pointValueLocked(key []byte, rv uint64) ([]byte, bool) {
	base, ok := tx.st.mem.Get(key, dbformat.Version(rv))
	if tx.rywDisabled {
		return base, ok
	}
	if p, pending := tx.writes[string(key)]; pending {
		return p.resolve(base, ok)
	}
	if tx.inClearedLocked(key) {
		return nil, false
	}
	return base, ok
}

// overlayKeysLocked returns the pending write keys in [begin, end), sorted.
func (tx *transaction) overlayKeysLocked(begin, end []byte) []string {
	if tx.rywDisabled {
		return nil
	}
	var keys []string
	for k := range tx.writes {
		if bytes.Compare([]byte(k), begin) >= 0 && bytes.Compare([]byte(k), end) < 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// scanLocked visits the visible rows of [begin, end) at rv in key order, or
// in reverse order, until visit returns false. Values passed to visit are
// copies.
func (tx *transaction) scanLocked(rv uint64, begin, end []byte, reverse bool, visit func(k, v []byte) bool) {
	if bytes.Compare(begin, end) >= 0 {
		return
	}
	overlay := tx.overlayKeysLocked(begin, end)
	if reverse {
		for i, j := 0, len(overlay)-1; i < j; i, j = i+1, j-1 {
			overlay[i], overlay[j] = overlay[j], overlay[i]
		}
	}

	it := tx.st.mem.NewIterator(dbformat.Version(rv))
	inRange := func() bool {
		if !it.Valid() {
			return false
		}
		if reverse {
			return bytes.Compare(it.Key(), begin) >= 0
		}
		return bytes.Compare(it.Key(), end) < 0
	}
	advance := func() {
		if reverse {
			it.Prev()
		} else {
			it.Next()
		}
	}
	// skipShadowed moves past base keys the overlay hides.
	skipShadowed := func() {
		for inRange() {
			if tx.rywDisabled {
				return
			}
			if _, pending := tx.writes[string(it.Key())]; !pending && !tx.inClearedLocked(it.Key()) {
				return
			}
			advance()
		}
	}
	before := func(a, b []byte) bool {
		if reverse {
			return bytes.Compare(a, b) > 0
		}
		return bytes.Compare(a, b) < 0
	}

	if reverse {
		it.SeekBefore(end)
	} else {
		it.Seek(begin)
	}
	skipShadowed()

	i := 0
	for {
		baseOK := inRange()
		if !baseOK && i >= len(overlay) {
			return
		}
		if i < len(overlay) && (!baseOK || before([]byte(overlay[i]), it.Key())) {
			k := []byte(overlay[i])
			i++
			base, ok := tx.st.mem.Get(k, dbformat.Version(rv))
			v, exists := tx.writes[string(k)].resolve(base, ok)
			if !exists {
				continue
			}
			if !visit(k, bytes.Clone(v)) {
				return
			}
			continue
		}
		if !visit(bytes.Clone(it.Key()), bytes.Clone(it.Value())) {
			return
		}
		advance()
		skipShadowed()
	}
}

// resolveSelectorLocked returns the key a selector points to at rv. It
// clamps to the empty key at the start and to the end of the keyspace.
func (tx *transaction) resolveSelectorLocked(sel native.KeySelector, rv uint64) []byte {
	maxKey := tx.maxKeyLocked()
	anchor := sel.Key
	if sel.OrEqual {
		anchor = keyAfter(sel.Key)
	}
	var (
		found []byte
		ok    bool
	)
	if sel.Offset > 0 {
		n := 0
		tx.scanLocked(rv, anchor, maxKey, false, func(k, _ []byte) bool {
			n++
			if n == sel.Offset {
				found, ok = k, true
				return false
			}
			return true
		})
		if !ok {
			return bytes.Clone(maxKey)
		}
		return found
	}
	want := 1 - sel.Offset
	n := 0
	tx.scanLocked(rv, nil, minKey(anchor, maxKey), true, func(k, _ []byte) bool {
		n++
		if n == want {
			found, ok = k, true
			return false
		}
		return true
	})
	if !ok {
		return []byte{}
	}
	return found
}

func minKey(a, b []byte) []byte {
	if bytes.Compare(a, b) < 0 {
		return a
	}
	return b
}

// chunkRows returns the row budget of one GetRange chunk, 0 for unlimited.
func chunkRows(req native.RangeRequest) int {
	var rows int
	switch req.Mode {
	case native.StreamingModeWantAll:
		rows = 0
	case native.StreamingModeExact:
		rows = req.Limit
	case native.StreamingModeSmall:
		rows = 16
	case native.StreamingModeMedium:
		rows = 128
	case native.StreamingModeIterator:
		it := max(req.Iteration, 1)
		rows = 16 << min(it-1, 6)
	default:
		rows = 1024
	}
	if req.Limit > 0 && (rows == 0 || rows > req.Limit) {
		rows = req.Limit
	}
	return rows
}

// rangeChunkLocked reads one chunk and returns the read conflict range it
// covers. The conflict range is empty when the selectors resolve to an
// empty range.
func (tx *transaction) rangeChunkLocked(begin, end native.KeySelector, req native.RangeRequest, rv uint64) ([]native.KeyValue, bool, keyRange) {
	b := tx.resolveSelectorLocked(begin, rv)
	e := tx.resolveSelectorLocked(end, rv)
	if bytes.Compare(b, e) >= 0 {
		return nil, false, keyRange{}
	}

	rows := chunkRows(req)
	var (
		kvs  []native.KeyValue
		size int
		full bool
		more bool
	)
	tx.scanLocked(rv, b, e, req.Reverse, func(k, v []byte) bool {
		if full {
			more = true
			return false
		}
		kvs = append(kvs, native.KeyValue{Key: k, Value: v})
		size += len(k) + len(v)
		if (rows > 0 && len(kvs) >= rows) || (req.TargetBytes > 0 && size >= req.TargetBytes) {
			full = true
		}
		return true
	})

	conflict := keyRange{begin: b, end: e}
	if more {
		last := kvs[len(kvs)-1].Key
		if req.Reverse {
			conflict.begin = last
		} else {
			conflict.end = keyAfter(last)
		}
	}
	return kvs, more, conflict
}
