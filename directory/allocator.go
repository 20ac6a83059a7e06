package directory

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/aalhour/fdb"
	"github.com/aalhour/fdb/subspace"
	"github.com/aalhour/fdb/tuple"
)

// allocator hands out small unique integers with few conflicts between
// concurrent transactions. Candidates are drawn at random from a window
// that grows as it fills; counters track how much of the current window
// was claimed and recent marks the claimed candidates.
type allocator struct {
	counters subspace.Subspace
	recent   subspace.Subspace
}

func newAllocator(s subspace.Subspace) *allocator {
	return &allocator{
		counters: s.Sub(int64(0)),
		recent:   s.Sub(int64(1)),
	}
}

func windowSize(start int64) int64 {
	switch {
	case start < 255:
		return 64
	case start < 65535:
		return 1024
	default:
		return 8192
	}
}

var one = []byte{1, 0, 0, 0, 0, 0, 0, 0}

// latestCounter returns the start of the newest window, or 0.
func (a *allocator) latestCounter(rt fdb.ReadTransaction) (start int64, ok bool, err error) {
	begin, end := fdb.PrefixRange(a.counters).Selectors()
	kvs, err := rt.GetRangeAll(begin, end, fdb.RangeOptions{Limit: 1, Reverse: true}).Get()
	if err != nil || len(kvs) == 0 {
		return 0, false, err
	}
	t, err := a.counters.Unpack(kvs[0].Key)
	if err != nil {
		return 0, false, err
	}
	start, err = int64Element(t)
	if err != nil {
		return 0, false, err
	}
	return start, true, nil
}

func int64Element(t tuple.Tuple) (int64, error) {
	if len(t) != 1 {
		return 0, errors.Errorf("directory: malformed allocator key %s", t)
	}
	switch v := t[0].(type) {
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	}
	return 0, errors.Errorf("directory: malformed allocator key %s", t)
}

func decodeCount(v []byte) int64 {
	var buf [8]byte
	copy(buf[:], v)
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

// allocate returns an integer no other committed allocation returned.
func (a *allocator) allocate(tx *fdb.Transaction) (int64, error) {
	snap := tx.Snapshot()
	for {
		start, _, err := a.latestCounter(snap)
		if err != nil {
			return 0, err
		}

		var window int64
		advanced := false
		for {
			if advanced {
				if err := tx.ClearRange(a.counters.Bytes(), a.counters.Pack(tuple.Tuple{start})); err != nil {
					return 0, err
				}
				if err := tx.SetNextWriteNoWriteConflictRange(); err != nil {
					return 0, err
				}
				if err := tx.ClearRange(a.recent.Bytes(), a.recent.Pack(tuple.Tuple{start})); err != nil {
					return 0, err
				}
			}
			key := a.counters.Pack(tuple.Tuple{start})
			if err := tx.Atomic(key, one, fdb.MutationAdd); err != nil {
				return 0, err
			}
			v, err := snap.Get(key).Get()
			if err != nil {
				return 0, err
			}
			window = windowSize(start)
			if decodeCount(v)*2 < window {
				break
			}
			start += window
			advanced = true
		}

		for {
			candidate := start + rand.Int64N(window)
			latest, found, err := a.latestCounter(snap)
			if err != nil {
				return 0, err
			}
			key := a.recent.Pack(tuple.Tuple{candidate})
			v, err := tx.Get(key).Get()
			if err != nil {
				return 0, err
			}
			if err := tx.SetNextWriteNoWriteConflictRange(); err != nil {
				return 0, err
			}
			if err := tx.Set(key, []byte{}); err != nil {
				return 0, err
			}
			if found && latest > start {
				// Another transaction moved the window; start over.
				break
			}
			if v == nil {
				if err := tx.AddWriteConflictKey(key); err != nil {
					return 0, err
				}
				return candidate, nil
			}
		}
	}
}
