package fdb

// read.go implements point reads, range reads and the snapshot view.

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/aalhour/fdb/native"
)

// ReadTransaction is the read surface shared by a Transaction and its
// Snapshot view.
type ReadTransaction interface {
	Get(key []byte) *Future[[]byte]
	GetKey(sel KeySelector) *Future[[]byte]
	GetRange(begin, end KeySelector, opts RangeOptions) *Future[RangeChunk]
	GetRangeAll(begin, end KeySelector, opts RangeOptions) *Future[[]KeyValue]
	GetRangeIterator(begin, end KeySelector, opts RangeOptions) *RangeIterator
	GetValues(keys [][]byte) *Future[[][]byte]
	GetKeys(sels []KeySelector) *Future[[][]byte]
	GetReadVersion() *Future[int64]
	Context() context.Context
}

var (
	_ ReadTransaction = (*Transaction)(nil)
	_ ReadTransaction = (*Snapshot)(nil)
)

// RangeOptions tunes a range read.
type RangeOptions struct {
	// Limit caps the number of rows. Zero means no limit.
	Limit int
	// TargetBytes caps the bytes of each chunk. Zero means no limit.
	TargetBytes int
	// Mode selects the chunking strategy. The zero value means
	// StreamingModeIterator unless Limit is set.
	Mode StreamingMode
	// Reverse reads from the end of the range.
	Reverse bool
}

func (o RangeOptions) mode() StreamingMode {
	if o.Mode == StreamingModeExact && o.Limit == 0 {
		return StreamingModeIterator
	}
	return o.Mode
}

// RangeChunk is one chunk of a range read.
type RangeChunk struct {
	KeyValues []KeyValue
	// More reports whether rows remain past this chunk.
	More bool
	// Iteration is the 1-based chunk number.
	Iteration int
}

// Get reads key. The value is nil when the key is absent.
func (tx *Transaction) Get(key []byte) *Future[[]byte] {
	return tx.get(key, false)
}

func (tx *Transaction) get(key []byte, snapshot bool) *Future[[]byte] {
	if err := tx.checkRead(); err != nil {
		return failedFuture[[]byte](err)
	}
	if err := tx.db.checkKey(key, tx.systemKeys.Load(), false); err != nil {
		return failedFuture[[]byte](err)
	}
	return bridge(tx, tx.h.Get(key, snapshot), extractValue)
}

// GetKey resolves sel to a key.
func (tx *Transaction) GetKey(sel KeySelector) *Future[[]byte] {
	return tx.getKey(sel, false)
}

func (tx *Transaction) getKey(sel KeySelector, snapshot bool) *Future[[]byte] {
	if err := tx.checkRead(); err != nil {
		return failedFuture[[]byte](err)
	}
	if err := tx.db.checkKey(sel.Key, tx.systemKeys.Load(), true); err != nil {
		return failedFuture[[]byte](err)
	}
	return bridge(tx, tx.h.GetKey(sel, snapshot), extractKey)
}

// GetReadVersion returns the read version of the current attempt.
func (tx *Transaction) GetReadVersion() *Future[int64] {
	if err := tx.checkRead(); err != nil {
		return failedFuture[int64](err)
	}
	return bridge(tx, tx.h.GetReadVersion(), extractVersion)
}

// GetRange reads the first chunk of [begin, end).
func (tx *Transaction) GetRange(begin, end KeySelector, opts RangeOptions) *Future[RangeChunk] {
	return tx.getRange(begin, end, opts, 1, false)
}

func (tx *Transaction) getRange(begin, end KeySelector, opts RangeOptions, iteration int, snapshot bool) *Future[RangeChunk] {
	if err := tx.checkRead(); err != nil {
		return failedFuture[RangeChunk](err)
	}
	system := tx.systemKeys.Load()
	if err := tx.db.checkKey(begin.Key, system, true); err != nil {
		return failedFuture[RangeChunk](err)
	}
	if err := tx.db.checkKey(end.Key, system, true); err != nil {
		return failedFuture[RangeChunk](err)
	}
	req := native.RangeRequest{
		Limit:       opts.Limit,
		TargetBytes: opts.TargetBytes,
		Mode:        opts.mode(),
		Iteration:   iteration,
		Snapshot:    snapshot,
		Reverse:     opts.Reverse,
	}
	return bridge(tx, tx.h.GetRange(begin, end, req), func(h native.Future) (RangeChunk, error) {
		kvs, more, err := h.KeyValues()
		return RangeChunk{KeyValues: kvs, More: more, Iteration: iteration}, err
	})
}

// GetRangeIterator returns an iterator over [begin, end) that fetches
// chunks on demand.
func (tx *Transaction) GetRangeIterator(begin, end KeySelector, opts RangeOptions) *RangeIterator {
	return newRangeIterator(tx, begin, end, opts, false)
}

// GetRangeAll reads every row of [begin, end).
func (tx *Transaction) GetRangeAll(begin, end KeySelector, opts RangeOptions) *Future[[]KeyValue] {
	return tx.getRangeAll(begin, end, opts, false)
}

func (tx *Transaction) getRangeAll(begin, end KeySelector, opts RangeOptions, snapshot bool) *Future[[]KeyValue] {
	if err := tx.checkRead(); err != nil {
		return failedFuture[[]KeyValue](err)
	}
	return goFuture(tx.ctx, func() ([]KeyValue, error) {
		it := newRangeIterator(tx, begin, end, opts, snapshot)
		var out []KeyValue
		for it.Advance() {
			out = append(out, it.cur)
		}
		return out, it.Err()
	})
}

// GetValues reads keys concurrently. Missing keys yield nil values.
func (tx *Transaction) GetValues(keys [][]byte) *Future[[][]byte] {
	return tx.getValues(keys, false)
}

func (tx *Transaction) getValues(keys [][]byte, snapshot bool) *Future[[][]byte] {
	if err := tx.checkRead(); err != nil {
		return failedFuture[[][]byte](err)
	}
	futures := make([]*Future[[]byte], len(keys))
	for i, k := range keys {
		futures[i] = tx.get(k, snapshot)
	}
	return gather(tx.ctx, futures)
}

// GetKeys resolves sels concurrently.
func (tx *Transaction) GetKeys(sels []KeySelector) *Future[[][]byte] {
	return tx.getKeys(sels, false)
}

func (tx *Transaction) getKeys(sels []KeySelector, snapshot bool) *Future[[][]byte] {
	if err := tx.checkRead(); err != nil {
		return failedFuture[[][]byte](err)
	}
	futures := make([]*Future[[]byte], len(sels))
	for i, sel := range sels {
		futures[i] = tx.getKey(sel, snapshot)
	}
	return gather(tx.ctx, futures)
}

// gather waits for every future and fails with the first error.
func gather[T any](scope context.Context, futures []*Future[T]) *Future[[]T] {
	return goFuture(scope, func() ([]T, error) {
		out := make([]T, len(futures))
		var g errgroup.Group
		for i, f := range futures {
			g.Go(func() error {
				v, err := f.Get()
				out[i] = v
				return err
			})
		}
		if err := g.Wait(); err != nil {
			for _, f := range futures {
				f.Cancel()
			}
			return nil, err
		}
		return out, nil
	})
}

// Snapshot returns a view of tx whose reads add no read conflict ranges.
func (tx *Transaction) Snapshot() *Snapshot {
	return &Snapshot{tx: tx}
}

// Snapshot performs snapshot reads through its transaction.
type Snapshot struct {
	tx *Transaction
}

// Transaction returns the underlying transaction.
func (s *Snapshot) Transaction() *Transaction { return s.tx }

// Context returns the scope of the underlying transaction.
func (s *Snapshot) Context() context.Context { return s.tx.ctx }

func (s *Snapshot) Get(key []byte) *Future[[]byte] {
	return s.tx.get(key, true)
}

func (s *Snapshot) GetKey(sel KeySelector) *Future[[]byte] {
	return s.tx.getKey(sel, true)
}

func (s *Snapshot) GetRange(begin, end KeySelector, opts RangeOptions) *Future[RangeChunk] {
	return s.tx.getRange(begin, end, opts, 1, true)
}

func (s *Snapshot) GetRangeAll(begin, end KeySelector, opts RangeOptions) *Future[[]KeyValue] {
	return s.tx.getRangeAll(begin, end, opts, true)
}

func (s *Snapshot) GetRangeIterator(begin, end KeySelector, opts RangeOptions) *RangeIterator {
	return newRangeIterator(s.tx, begin, end, opts, true)
}

func (s *Snapshot) GetValues(keys [][]byte) *Future[[][]byte] {
	return s.tx.getValues(keys, true)
}

func (s *Snapshot) GetKeys(sels []KeySelector) *Future[[][]byte] {
	return s.tx.getKeys(sels, true)
}

func (s *Snapshot) GetReadVersion() *Future[int64] {
	return s.tx.GetReadVersion()
}

// RangeIterator walks a range chunk by chunk, prefetching the next chunk
// while the current one is consumed.
//
//	it := tx.GetRangeIterator(begin, end, fdb.RangeOptions{})
//	for it.Advance() {
//		kv, _ := it.Get()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type RangeIterator struct {
	tx       *Transaction
	snapshot bool
	begin    KeySelector
	end      KeySelector
	opts     RangeOptions

	iteration int
	remaining int
	pending   *Future[RangeChunk]

	chunk []KeyValue
	idx   int
	more  bool
	cur   KeyValue
	err   error
}

func newRangeIterator(tx *Transaction, begin, end KeySelector, opts RangeOptions, snapshot bool) *RangeIterator {
	it := &RangeIterator{
		tx:        tx,
		snapshot:  snapshot,
		begin:     begin,
		end:       end,
		opts:      opts,
		remaining: opts.Limit,
		more:      true,
	}
	it.prefetch()
	return it
}

func (it *RangeIterator) prefetch() {
	opts := it.opts
	opts.Limit = it.remaining
	it.iteration++
	it.pending = it.tx.getRange(it.begin, it.end, opts, it.iteration, it.snapshot)
}

// Advance moves to the next row. It returns false at the end of the range
// or on error; check Err.
func (it *RangeIterator) Advance() bool {
	for it.idx >= len(it.chunk) {
		if it.err != nil || !it.more || it.pending == nil {
			return false
		}
		chunk, err := it.pending.Get()
		it.pending = nil
		if err != nil {
			it.err = err
			return false
		}
		it.chunk, it.idx, it.more = chunk.KeyValues, 0, chunk.More
		if n := len(chunk.KeyValues); n > 0 {
			last := chunk.KeyValues[n-1].Key
			if it.opts.Reverse {
				it.end = FirstGreaterOrEqual(last)
			} else {
				it.begin = FirstGreaterThan(last)
			}
			if it.opts.Limit > 0 {
				it.remaining -= n
				if it.remaining <= 0 {
					it.more = false
				}
			}
		} else {
			it.more = false
		}
		if it.more {
			it.prefetch()
		}
	}
	it.cur = it.chunk[it.idx]
	it.idx++
	return true
}

// Get returns the current row.
func (it *RangeIterator) Get() (KeyValue, error) {
	return it.cur, it.err
}

// MustGet is Get that panics on error.
func (it *RangeIterator) MustGet() KeyValue {
	if it.err != nil {
		panic(it.err)
	}
	return it.cur
}

// Err returns the error that stopped the iteration, if any.
func (it *RangeIterator) Err() error {
	return it.err
}
