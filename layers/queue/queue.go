// Package queue implements a FIFO queue on top of transactions.
//
// Items live under item/(index, random id). Pushes read the last index at
// snapshot isolation, so concurrent pushes rarely conflict and items pushed
// at the same time are ordered randomly among themselves.
//
// In high contention mode a pop that conflicts registers itself under
// pop/(index, random id) and waits. Any waiting popper hands out items to
// registered pops in batches, writing each result under conflict/(id), then
// polls with exponential backoff until its own request has been served.
package queue

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aalhour/fdb"
	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/native"
	"github.com/aalhour/fdb/subspace"
	"github.com/aalhour/fdb/tuple"
)

const (
	fulfillBatch = 100

	pollInitial = 10 * time.Millisecond
	pollMax     = time.Second
)

// Queue is a FIFO queue stored under Space.
type Queue struct {
	Space          subspace.Subspace
	HighContention bool

	conflictedPop  subspace.Subspace
	conflictedItem subspace.Subspace
	item           subspace.Subspace
	logger         logging.Logger
}

// New returns a queue under space.
func New(space subspace.Subspace, highContention bool) *Queue {
	return &Queue{
		Space:          space,
		HighContention: highContention,
		conflictedPop:  space.Partition([]byte("pop")),
		conflictedItem: space.Partition([]byte("conflict")),
		item:           space.Partition([]byte("item")),
		logger:         logging.Discard,
	}
}

// SetLogger sets the logger and returns q.
func (q *Queue) SetLogger(logger logging.Logger) *Queue {
	q.logger = logging.OrDefault(logger)
	return q
}

// Clear removes every item and pending pop.
func (q *Queue) Clear(tx *fdb.Transaction) error {
	return tx.ClearKeyRange(fdb.FullPrefixRange(q.Space))
}

// Push appends value.
func (q *Queue) Push(tx *fdb.Transaction, value []byte) error {
	index, err := nextIndex(tx.Snapshot(), q.item)
	if err != nil {
		return err
	}
	key := q.item.Pack(tuple.Tuple{index, uuid.New()})
	if _, err := tx.Get(key).Get(); err != nil {
		return err
	}
	return tx.Set(key, value)
}

// PushDB pushes value in its own retried transaction.
func (q *Queue) PushDB(ctx context.Context, db *fdb.Database, value []byte) error {
	return fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		return q.Push(tx, value)
	})
}

// Peek returns the next item without removing it, or nil if the queue is
// empty.
func (q *Queue) Peek(rt fdb.ReadTransaction) ([]byte, error) {
	kv, ok, err := q.first(rt)
	if err != nil || !ok {
		return nil, err
	}
	return kv.Value, nil
}

// Empty reports whether the queue holds no items.
func (q *Queue) Empty(rt fdb.ReadTransaction) (bool, error) {
	_, ok, err := q.first(rt)
	return !ok, err
}

// Pop removes and returns the next item, or nil if the queue is empty.
// It runs its own transactions and cannot be composed with other work.
func (q *Queue) Pop(ctx context.Context, db *fdb.Database) ([]byte, error) {
	if q.HighContention {
		return q.popHighContention(ctx, db)
	}
	return fdb.ReadWrite(ctx, db, q.popSimple)
}

func nextIndex(rt fdb.ReadTransaction, s subspace.Subspace) (int64, error) {
	begin, end := s.Range()
	last, err := rt.GetKey(fdb.LastLessThan(end)).Get()
	if err != nil {
		return 0, err
	}
	if bytes.Compare(last, begin) < 0 {
		return 0, nil
	}
	t, err := s.Unpack(last)
	if err != nil {
		return 0, err
	}
	index, ok := t[0].(int64)
	if !ok {
		return 0, errors.New("queue: malformed index")
	}
	return index + 1, nil
}

func (q *Queue) first(rt fdb.ReadTransaction) (fdb.KeyValue, bool, error) {
	begin, end := fdb.PrefixRange(q.item).Selectors()
	kvs, err := rt.GetRangeAll(begin, end, fdb.RangeOptions{Limit: 1}).Get()
	if err != nil || len(kvs) == 0 {
		return fdb.KeyValue{}, false, err
	}
	return kvs[0], true, nil
}

func (q *Queue) popSimple(tx *fdb.Transaction) ([]byte, error) {
	kv, ok, err := q.first(tx)
	if err != nil || !ok {
		return nil, err
	}
	if err := tx.Clear(kv.Key); err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// addConflictedPop registers a waiting pop. Unless forced it does nothing
// when no other pop is waiting.
func (q *Queue) addConflictedPop(tx *fdb.Transaction, forced bool) ([]byte, error) {
	index, err := nextIndex(tx.Snapshot(), q.conflictedPop)
	if err != nil {
		return nil, err
	}
	if index == 0 && !forced {
		return nil, nil
	}
	waitKey := q.conflictedPop.Pack(tuple.Tuple{index, uuid.New()})
	if _, err := tx.Get(waitKey).Get(); err != nil {
		return nil, err
	}
	if err := tx.Set(waitKey, []byte{}); err != nil {
		return nil, err
	}
	return waitKey, nil
}

// fulfillConflictedPops hands items to waiting pops in one transaction.
// done is true when fewer than a full batch of pops was waiting.
func (q *Queue) fulfillConflictedPops(ctx context.Context, db *fdb.Database) (done bool, err error) {
	tx, err := db.CreateTransaction(ctx, fdb.ModeReadWrite)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Dispose() }()

	snap := tx.Snapshot()
	pb, pe := fdb.PrefixRange(q.conflictedPop).Selectors()
	ib, ie := fdb.PrefixRange(q.item).Selectors()
	popsF := snap.GetRangeAll(pb, pe, fdb.RangeOptions{Limit: fulfillBatch})
	itemsF := snap.GetRangeAll(ib, ie, fdb.RangeOptions{Limit: fulfillBatch})
	pops, err := popsF.Get()
	if err != nil {
		return false, err
	}
	items, err := itemsF.Get()
	if err != nil {
		return false, err
	}

	reads := make([]*fdb.Future[[]byte], 0, 2*len(pops))
	for i, pop := range pops {
		if i < len(items) {
			t, err := q.conflictedPop.Unpack(pop.Key)
			if err != nil {
				return false, err
			}
			if err := tx.Set(q.conflictedItem.Pack(tuple.Tuple{t[1]}), items[i].Value); err != nil {
				return false, err
			}
			reads = append(reads, tx.Get(items[i].Key))
			if err := tx.Clear(items[i].Key); err != nil {
				return false, err
			}
		}
		// Pops beyond the available items are dropped and see an empty
		// result.
		reads = append(reads, tx.Get(pop.Key))
		if err := tx.Clear(pop.Key); err != nil {
			return false, err
		}
	}
	for _, f := range reads {
		if _, err := f.Get(); err != nil {
			return false, err
		}
	}
	if _, err := tx.Commit().Get(); err != nil {
		return false, err
	}
	if len(pops) > 0 {
		q.logger.Debugf(logging.NSQueue+"fulfilled %d of %d waiting pops", min(len(pops), len(items)), len(pops))
	}
	return len(pops) < fulfillBatch, nil
}

func isNotCommitted(err error) bool {
	var fe *fdb.Error
	return errors.As(err, &fe) && fe.Code == native.NotCommitted
}

func (q *Queue) popHighContention(ctx context.Context, db *fdb.Database) ([]byte, error) {
	tx, err := db.CreateTransaction(ctx, fdb.ModeReadWrite)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Dispose() }()

	// Pop directly unless other pops are already waiting.
	waitKey, err := q.addConflictedPop(tx, false)
	if err == nil && waitKey == nil {
		var v []byte
		if v, err = q.popSimple(tx); err == nil {
			if _, err = tx.Commit().Get(); err == nil {
				return v, nil
			}
		}
	} else if err == nil {
		_, err = tx.Commit().Get()
	}
	if err != nil {
		var fe *fdb.Error
		if !errors.As(err, &fe) {
			return nil, err
		}
		waitKey, err = fdb.ReadWrite(ctx, db, func(tx *fdb.Transaction) ([]byte, error) {
			return q.addConflictedPop(tx, true)
		})
		if err != nil {
			return nil, err
		}
		q.logger.Debugf(logging.NSQueue+"registered waiting pop %q", waitKey)
	}

	t, err := q.conflictedPop.Unpack(waitKey)
	if err != nil {
		return nil, err
	}
	resultKey := q.conflictedItem.Pack(tuple.Tuple{t[1]})

	poll := &backoff.ExponentialBackOff{
		InitialInterval:     pollInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         pollMax,
		Clock:               backoff.SystemClock,
	}
	poll.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := tx.Reset(); err != nil {
			return nil, err
		}

		err := q.fulfillAll(ctx, db)
		if err != nil && !isNotCommitted(err) {
			// Someone else likely served pops on not_committed, so only
			// other errors go through the retry path.
			if _, err := tx.OnError(err).Get(); err != nil {
				return nil, err
			}
			continue
		}

		if err := tx.Reset(); err != nil {
			return nil, err
		}
		vals, err := tx.GetValues([][]byte{waitKey, resultKey}).Get()
		if err != nil {
			if _, err := tx.OnError(err).Get(); err != nil {
				return nil, err
			}
			continue
		}
		if vals[0] != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(poll.NextBackOff()):
			}
			continue
		}
		if vals[1] == nil {
			return nil, nil
		}
		if err := tx.Clear(resultKey); err != nil {
			return nil, err
		}
		if _, err := tx.Commit().Get(); err != nil {
			if _, err := tx.OnError(err).Get(); err != nil {
				return nil, err
			}
			continue
		}
		return vals[1], nil
	}
}

func (q *Queue) fulfillAll(ctx context.Context, db *fdb.Database) error {
	for {
		done, err := q.fulfillConflictedPops(ctx, db)
		if err != nil || done {
			return err
		}
	}
}
