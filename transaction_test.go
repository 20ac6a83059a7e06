package fdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/fdb/internal/memengine"
	"github.com/aalhour/fdb/native"
)

// conflictedTx returns a transaction whose commit fails with not_committed.
func conflictedTx(t *testing.T, db *Database) (*Transaction, error) {
	t.Helper()
	tx := newTx(t, db, ModeReadWrite)
	_, err := tx.Get([]byte("contended")).Get()
	require.NoError(t, err)
	put(t, db, "contended", "other")
	require.NoError(t, tx.Set([]byte("mine"), []byte("x")))
	_, err = tx.Commit().Get()
	require.Error(t, err)
	return tx, err
}

func TestStateMachineCommitted(t *testing.T) {
	db, _ := newTestDB(t)
	tx := newTx(t, db, ModeReadWrite)
	require.NoError(t, tx.Set([]byte("a"), []byte("1")))
	_, err := tx.Commit().Get()
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, tx.State())

	assert.ErrorIs(t, tx.Cancel(), ErrTransactionCommitted)
	assert.ErrorIs(t, tx.Set([]byte("b"), nil), ErrTransactionCommitted)
	_, err = tx.Get([]byte("a")).Get()
	assert.ErrorIs(t, err, ErrTransactionCommitted)
	_, err = tx.Commit().Get()
	assert.ErrorIs(t, err, ErrTransactionCommitted)

	v, err := tx.GetCommittedVersion()
	require.NoError(t, err)
	assert.Greater(t, v, int64(0))

	require.NoError(t, tx.Reset())
	assert.Equal(t, StateReady, tx.State())
}

func TestStateMachineCanceled(t *testing.T) {
	db, _ := newTestDB(t)
	tx := newTx(t, db, ModeReadWrite)

	require.NoError(t, tx.Cancel())
	assert.Equal(t, StateCanceled, tx.State())
	require.NoError(t, tx.Cancel())

	_, err := tx.Get([]byte("a")).Get()
	assert.ErrorIs(t, err, ErrTransactionCanceled)
	assert.ErrorIs(t, tx.Set([]byte("a"), nil), ErrTransactionCanceled)
	_, err = tx.Commit().Get()
	assert.ErrorIs(t, err, ErrTransactionCanceled)

	require.NoError(t, tx.Reset())
	assert.Equal(t, StateReady, tx.State())
	require.NoError(t, tx.Set([]byte("a"), []byte("1")))
	_, err = tx.Commit().Get()
	require.NoError(t, err)
}

func TestStateMachineFailed(t *testing.T) {
	db, _ := newTestDB(t)
	tx, commitErr := conflictedTx(t, db)

	assert.Equal(t, native.NotCommitted, ErrorCode(commitErr))
	assert.True(t, IsRetryable(commitErr))
	assert.Equal(t, StateFailed, tx.State())

	assert.ErrorIs(t, tx.Cancel(), ErrTransactionFailed)
	assert.ErrorIs(t, tx.Set([]byte("a"), nil), ErrTransactionFailed)
	_, err := tx.Get([]byte("a")).Get()
	assert.ErrorIs(t, err, ErrTransactionFailed)

	_, err = tx.OnError(commitErr).Get()
	require.NoError(t, err)
	assert.Equal(t, StateReady, tx.State())
	assert.EqualValues(t, 0, tx.Size())

	require.NoError(t, tx.Set([]byte("mine"), []byte("y")))
	_, err = tx.Commit().Get()
	require.NoError(t, err)
}

func TestStateMachineDisposed(t *testing.T) {
	db, _ := newTestDB(t)
	tx := newTx(t, db, ModeReadWrite)
	require.NoError(t, tx.Dispose())

	assert.Equal(t, StateDisposed, tx.State())
	assert.ErrorIs(t, tx.Cancel(), ErrTransactionDisposed)
	assert.ErrorIs(t, tx.Reset(), ErrTransactionDisposed)
	assert.ErrorIs(t, tx.Set([]byte("a"), nil), ErrTransactionDisposed)
	assert.ErrorIs(t, tx.SetOption(native.TransactionOptionAccessSystemKeys, nil), ErrTransactionDisposed)
	_, err := tx.Get([]byte("a")).Get()
	assert.ErrorIs(t, err, ErrTransactionDisposed)
	_, err = tx.Commit().Get()
	assert.ErrorIs(t, err, ErrTransactionDisposed)
	_, err = tx.OnError(&Error{Code: native.NotCommitted}).Get()
	assert.ErrorIs(t, err, ErrTransactionDisposed)
	_, err = tx.GetCommittedVersion()
	assert.ErrorIs(t, err, ErrTransactionDisposed)
}

func TestDisposeIsIdempotent(t *testing.T) {
	db, e := newTestDB(t)
	tx, err := db.CreateTransaction(context.Background(), ModeReadWrite)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, tx.Dispose())
	}
	stats := e.Stats()
	assert.EqualValues(t, 0, stats.LiveTransactions)
	assert.EqualValues(t, 0, stats.DoubleDestroys)
	assert.Equal(t, 0, db.LiveTransactions())
}

func TestDisposeConcurrent(t *testing.T) {
	db, e := newTestDB(t)
	tx, err := db.CreateTransaction(context.Background(), ModeReadWrite)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tx.Dispose())
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, e.Stats().DoubleDestroys)
	assert.EqualValues(t, 0, e.Stats().LiveTransactions)
}

func TestReadOnlyTransaction(t *testing.T) {
	db, _ := newTestDB(t)
	put(t, db, "k", "v")

	tx := newTx(t, db, ModeReadOnly)
	assert.ErrorIs(t, tx.Set([]byte("k"), []byte("x")), ErrReadOnly)
	assert.ErrorIs(t, tx.Clear([]byte("k")), ErrReadOnly)
	assert.ErrorIs(t, tx.Atomic([]byte("k"), []byte{1}, MutationAdd), ErrReadOnly)

	v, err := tx.Get([]byte("k")).Get()
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	_, err = tx.Commit().Get()
	require.NoError(t, err)
	cv, err := tx.GetCommittedVersion()
	require.NoError(t, err)
	assert.EqualValues(t, -1, cv)
}

func TestReadsRejectedOnNetworkThread(t *testing.T) {
	e := startEngine(t, memengine.Options{Latency: 20 * time.Millisecond})
	db := openTestDB(t, e, nil)
	tx := newTx(t, db, ModeReadWrite)

	results := make(chan [2]error, 1)
	h := tx.h.GetReadVersion()
	h.OnReady(func() {
		_, readErr := tx.Get([]byte("k")).Get()
		writeErr := tx.Set([]byte("k"), []byte("v"))
		results <- [2]error{readErr, writeErr}
	})

	select {
	case errs := <-results:
		assert.ErrorIs(t, errs[0], ErrNetworkThread)
		assert.NoError(t, errs[1])
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
	h.Destroy()
}

func TestCancelContextFailsPendingReads(t *testing.T) {
	e := startEngine(t, memengine.Options{Latency: 100 * time.Millisecond})
	db := openTestDB(t, e, nil)

	ctx, cancel := context.WithCancel(context.Background())
	tx, err := db.CreateTransaction(ctx, ModeReadWrite)
	require.NoError(t, err)
	defer func() { _ = tx.Dispose() }()

	f := tx.Get([]byte("k"))
	cancel()
	_, err = f.Get()
	assert.ErrorIs(t, err, context.Canceled)

	_, err = tx.Get([]byte("k")).Get()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFutureCancel(t *testing.T) {
	e := startEngine(t, memengine.Options{Latency: 100 * time.Millisecond})
	db := openTestDB(t, e, nil)
	tx := newTx(t, db, ModeReadWrite)

	f := tx.Get([]byte("k"))
	f.Cancel()
	assert.True(t, f.IsReady())
	_, err := f.Get()
	assert.ErrorIs(t, err, context.Canceled)

	// The transaction itself stays usable.
	_, err = tx.Get([]byte("k")).Get()
	require.NoError(t, err)
}

func TestCommitInProgress(t *testing.T) {
	e := startEngine(t, memengine.Options{Latency: 30 * time.Millisecond})
	db := openTestDB(t, e, nil)
	tx := newTx(t, db, ModeReadWrite)
	require.NoError(t, tx.Set([]byte("k"), []byte("v")))

	first := tx.Commit()
	_, err := tx.Commit().Get()
	assert.ErrorIs(t, err, ErrCommitInProgress)
	_, err = first.Get()
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, tx.State())
}

func TestPayloadAccounting(t *testing.T) {
	db, _ := newTestDB(t)
	tx := newTx(t, db, ModeReadWrite)

	require.NoError(t, tx.Set([]byte("ab"), []byte("cde")))
	assert.EqualValues(t, 2+3+28, tx.Size())
	require.NoError(t, tx.Atomic([]byte("n"), []byte{1, 0, 0, 0}, MutationAdd))
	assert.EqualValues(t, 33+1+4, tx.Size())
	require.NoError(t, tx.Clear([]byte("xyz")))
	assert.EqualValues(t, 38+3, tx.Size())

	require.NoError(t, tx.Reset())
	assert.EqualValues(t, 0, tx.Size())
}

func TestOnErrorPassesThroughNonRetryable(t *testing.T) {
	db, _ := newTestDB(t)
	tx := newTx(t, db, ModeReadWrite)

	plain := errors.New("application error")
	_, err := tx.OnError(plain).Get()
	assert.Same(t, plain, err)

	_, err = tx.OnError(&Error{Code: native.KeyTooLarge}).Get()
	assert.Equal(t, native.KeyTooLarge, ErrorCode(err))
}

func TestOnErrorRetryLimit(t *testing.T) {
	db, _ := newTestDB(t)
	tx := newTx(t, db, ModeReadWrite)
	require.NoError(t, tx.SetRetryLimit(1))

	retryable := &Error{Code: native.NotCommitted}
	_, err := tx.OnError(retryable).Get()
	require.NoError(t, err)
	_, err = tx.OnError(retryable).Get()
	assert.ErrorIs(t, err, retryable)
}

func TestSnapshotReadsDoNotConflict(t *testing.T) {
	db, _ := newTestDB(t)
	put(t, db, "k", "1")

	tx := newTx(t, db, ModeReadWrite)
	_, err := tx.Snapshot().Get([]byte("k")).Get()
	require.NoError(t, err)
	put(t, db, "k", "2")

	require.NoError(t, tx.Set([]byte("other"), []byte("x")))
	_, err = tx.Commit().Get()
	require.NoError(t, err)
}

func TestExplicitConflictRanges(t *testing.T) {
	db, _ := newTestDB(t)

	tx := newTx(t, db, ModeReadWrite)
	_, err := tx.GetReadVersion().Get()
	require.NoError(t, err)
	require.NoError(t, tx.AddReadConflictKey([]byte("guard")))
	put(t, db, "guard", "changed")
	require.NoError(t, tx.Set([]byte("x"), []byte("1")))
	_, err = tx.Commit().Get()
	assert.Equal(t, native.NotCommitted, ErrorCode(err))

	reader := newTx(t, db, ModeReadWrite)
	_, err = reader.Get([]byte("range/5")).Get()
	require.NoError(t, err)

	writer := newTx(t, db, ModeReadWrite)
	require.NoError(t, writer.AddWriteConflictRange([]byte("range/"), []byte("range/\xff")))
	_, err = writer.Commit().Get()
	require.NoError(t, err)

	require.NoError(t, reader.Set([]byte("y"), []byte("1")))
	_, err = reader.Commit().Get()
	assert.Equal(t, native.NotCommitted, ErrorCode(err))
}

func TestNextWriteNoWriteConflictRange(t *testing.T) {
	db, _ := newTestDB(t)

	reader := newTx(t, db, ModeReadWrite)
	_, err := reader.Get([]byte("k")).Get()
	require.NoError(t, err)

	writer := newTx(t, db, ModeReadWrite)
	require.NoError(t, writer.SetNextWriteNoWriteConflictRange())
	require.NoError(t, writer.Set([]byte("k"), []byte("v")))
	_, err = writer.Commit().Get()
	require.NoError(t, err)

	require.NoError(t, reader.Set([]byte("other"), []byte("v")))
	_, err = reader.Commit().Get()
	require.NoError(t, err)
}

func TestAtomicAdd(t *testing.T) {
	db, _ := newTestDB(t)
	one := make([]byte, 8)
	binary.LittleEndian.PutUint64(one, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, Write(context.Background(), db, func(tx *Transaction) error {
			return tx.Atomic([]byte("counter"), one, MutationAdd)
		}))
	}
	assert.EqualValues(t, 3, binary.LittleEndian.Uint64(read(t, db, "counter")))
}

func TestReadVersion(t *testing.T) {
	db, _ := newTestDB(t)
	put(t, db, "a", "1")

	tx := newTx(t, db, ModeReadWrite)
	rv, err := tx.GetReadVersion().Get()
	require.NoError(t, err)
	assert.Greater(t, rv, int64(0))

	put(t, db, "a", "2")

	old := newTx(t, db, ModeReadOnly)
	require.NoError(t, old.SetReadVersion(rv))
	v, err := old.Get([]byte("a")).Get()
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestTimeout(t *testing.T) {
	e := startEngine(t, memengine.Options{Latency: 50 * time.Millisecond})
	db := openTestDB(t, e, nil)
	tx := newTx(t, db, ModeReadWrite)
	require.NoError(t, tx.SetTimeout(10*time.Millisecond))

	_, err := tx.Get([]byte("k")).Get()
	assert.Equal(t, native.TransactionTimedOut, ErrorCode(err))
}

func TestWatch(t *testing.T) {
	db, _ := newTestDB(t)
	put(t, db, "watched", "1")

	tx, err := db.CreateTransaction(context.Background(), ModeReadWrite)
	require.NoError(t, err)
	w := tx.Watch([]byte("watched"))
	_, err = tx.Commit().Get()
	require.NoError(t, err)
	// The watch outlives its transaction.
	require.NoError(t, tx.Dispose())
	assert.False(t, w.IsReady())

	put(t, db, "watched", "2")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
	require.NoError(t, w.Get())
}

func TestWatchCancel(t *testing.T) {
	db, _ := newTestDB(t)
	tx := newTx(t, db, ModeReadWrite)
	w := tx.Watch([]byte("quiet"))
	_, err := tx.Commit().Get()
	require.NoError(t, err)

	w.Cancel()
	assert.ErrorIs(t, w.Get(), context.Canceled)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	other := newTx(t, db, ModeReadWrite).Watch([]byte("quiet"))
	assert.ErrorIs(t, other.Wait(ctx), context.DeadlineExceeded)
	other.Cancel()
}

func TestReadWriteRetriesConflicts(t *testing.T) {
	db, _ := newTestDB(t)
	const workers = 8

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ReadWrite(context.Background(), db, func(tx *Transaction) (int, error) {
				v, err := tx.Get([]byte("n")).Get()
				if err != nil {
					return 0, err
				}
				n := 0
				if v != nil {
					_, _ = fmt.Sscan(string(v), &n)
				}
				n++
				return n, tx.Set([]byte("n"), []byte(fmt.Sprint(n)))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, fmt.Sprint(workers), string(read(t, db, "n")))
	assert.Equal(t, 0, db.LiveTransactions())
}

func TestReadWriteStopsOnApplicationError(t *testing.T) {
	db, _ := newTestDB(t)
	calls := 0
	boom := errors.New("boom")
	_, err := ReadWrite(context.Background(), db, func(tx *Transaction) (struct{}, error) {
		calls++
		return struct{}{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
