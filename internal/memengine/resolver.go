package memengine

import (
	"bytes"

	"github.com/zeebo/xxh3"

	"github.com/aalhour/fdb/native"
)

// keyRange is a half-open range [begin, end).
type keyRange struct {
	begin, end []byte
}

func pointRange(key []byte) keyRange {
	return keyRange{begin: bytes.Clone(key), end: keyAfter(key)}
}

func (r keyRange) isPoint() bool {
	return len(r.end) == len(r.begin)+1 && r.end[len(r.end)-1] == 0 && bytes.HasPrefix(r.end, r.begin)
}

func (r keyRange) contains(key []byte) bool {
	return bytes.Compare(key, r.begin) >= 0 && bytes.Compare(key, r.end) < 0
}

func (r keyRange) intersects(o keyRange) bool {
	return bytes.Compare(r.begin, o.end) < 0 && bytes.Compare(o.begin, r.end) < 0
}

// keyAfter returns the smallest key greater than key.
func keyAfter(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

// commitRecord is the write set of one committed transaction.
type commitRecord struct {
	version uint64
	// Point writes are kept hashed for point reads and as keys for range reads.
	points    map[uint64]struct{}
	pointKeys [][]byte
	ranges    []keyRange
}

func newCommitRecord(version uint64, writes []keyRange) commitRecord {
	rec := commitRecord{version: version, points: make(map[uint64]struct{})}
	for _, w := range writes {
		if w.isPoint() {
			rec.points[xxh3.Hash(w.begin)] = struct{}{}
			rec.pointKeys = append(rec.pointKeys, w.begin)
			continue
		}
		rec.ranges = append(rec.ranges, w)
	}
	return rec
}

func (rec *commitRecord) conflictsWith(read keyRange) bool {
	if read.isPoint() {
		if _, ok := rec.points[xxh3.Hash(read.begin)]; ok {
			return true
		}
	} else {
		for _, k := range rec.pointKeys {
			if read.contains(k) {
				return true
			}
		}
	}
	for _, w := range rec.ranges {
		if w.intersects(read) {
			return true
		}
	}
	return false
}

// resolver detects read-write conflicts against the recent commit window.
// It is only touched from the network goroutine.
type resolver struct {
	window  uint64
	records []commitRecord
	// horizon is the oldest read version that can still be checked.
	horizon uint64
}

func newResolver(window uint64) *resolver {
	return &resolver{window: window}
}

// tooOld reports whether readVersion fell out of the window.
func (r *resolver) tooOld(readVersion, current uint64) bool {
	if readVersion < r.horizon {
		return true
	}
	return current > r.window && readVersion < current-r.window
}

// check returns a native error code, or 0 when reads do not overlap any
// write committed after readVersion.
func (r *resolver) check(readVersion, current uint64, reads []keyRange) int {
	if r.tooOld(readVersion, current) {
		return native.TransactionTooOld
	}
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := &r.records[i]
		if rec.version <= readVersion {
			break
		}
		for _, rd := range reads {
			if rec.conflictsWith(rd) {
				return native.NotCommitted
			}
		}
	}
	return 0
}

// record adds a commit and trims records that fell out of the window.
func (r *resolver) record(version uint64, writes []keyRange) {
	r.records = append(r.records, newCommitRecord(version, writes))
	if version <= r.window {
		return
	}
	cutoff := version - r.window
	i := 0
	for i < len(r.records) && r.records[i].version <= cutoff {
		i++
	}
	if i > 0 {
		r.records = append(r.records[:0:0], r.records[i:]...)
		r.horizon = cutoff
	}
}
