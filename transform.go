package fdb

// transform.go implements ordered range transforms.

import (
	"context"

	"github.com/aalhour/fdb/async"
)

// TransformRange scans [begin, end) with rt and runs transform on every row
// through a queue of the given capacity, so transforms overlap with the
// scan while results stay in key order. The scan runs on its own goroutine
// and ends the queue with the end marker, or with the scan error.
//
// The transaction behind rt must stay alive until the queue is drained. A
// consumer that stops early must dispose the transaction, which ends the
// scan goroutine parked on a full queue; otherwise that goroutine leaks.
func TransformRange[Out any](rt ReadTransaction, begin, end KeySelector, opts RangeOptions, capacity int,
	transform func(ctx context.Context, kv KeyValue) (Out, error)) *async.TransformQueue[KeyValue, Out] {
	q := async.NewTransformQueue(capacity, transform)
	ctx := rt.Context()
	go func() {
		it := rt.GetRangeIterator(begin, end, opts)
		for it.Advance() {
			kv, _ := it.Get()
			if err := q.OnNext(ctx, kv); err != nil {
				_ = q.OnError(err)
				return
			}
		}
		if err := it.Err(); err != nil {
			_ = q.OnError(err)
			return
		}
		_ = q.OnCompleted()
	}()
	return q
}
