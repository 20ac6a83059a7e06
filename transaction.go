package fdb

// transaction.go implements the Transaction state machine, writes and commit.

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/native"
)

// Mode selects whether a transaction may write.
type Mode int

const (
	// ModeReadWrite transactions may read and write.
	ModeReadWrite Mode = iota
	// ModeReadOnly transactions reject every write.
	ModeReadOnly
)

func (m Mode) String() string {
	if m == ModeReadOnly {
		return "read-only"
	}
	return "read-write"
}

// State is the lifecycle state of a Transaction.
//
//	Init -> Ready -> {Committed, Canceled, Failed} -> Disposed
//
// Reset and a successful OnError return any state but Disposed to Ready.
type State int32

const (
	StateInit State = iota
	StateReady
	StateCommitted
	StateCanceled
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateCommitted:
		return "committed"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// writeOverhead is the estimated per-write cost added to Set payloads.
const writeOverhead = 28

// nativeHandle owns a native transaction and destroys it exactly once.
type nativeHandle struct {
	h         native.Transaction
	destroyed atomic.Bool
}

func (n *nativeHandle) destroy() bool {
	if !n.destroyed.CompareAndSwap(false, true) {
		return false
	}
	n.h.Destroy()
	return true
}

// leakGuard is the state a GC cleanup needs to release a transaction that
// was never disposed. It must not point back to the Transaction.
type leakGuard struct {
	handle *nativeHandle
	cancel context.CancelFunc
	logger logging.Logger
	id     uint64
}

func releaseLeaked(g leakGuard) {
	g.cancel()
	if g.handle.destroy() {
		g.logger.Warnf(logging.NSTxn+"#%d was garbage collected without Dispose", g.id)
	}
}

// Transaction is a single transaction attempt. It is not safe for
// concurrent use except for Dispose and Cancel, and must be disposed.
type Transaction struct {
	id     uint64
	db     *Database
	handle *nativeHandle
	h      native.Transaction
	mode   Mode
	logger logging.Logger

	state      atomic.Int32
	committing atomic.Bool
	payload    atomic.Int64
	warned     atomic.Bool
	systemKeys atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup runtime.Cleanup
}

func newTransaction(parent context.Context, db *Database, h native.Transaction, id uint64, mode Mode) *Transaction {
	ctx, cancel := context.WithCancel(parent)
	handle := &nativeHandle{h: h}
	tx := &Transaction{
		id:     id,
		db:     db,
		handle: handle,
		h:      h,
		mode:   mode,
		logger: db.logger,
		ctx:    ctx,
		cancel: cancel,
	}
	tx.cleanup = runtime.AddCleanup(tx, releaseLeaked, leakGuard{
		handle: handle,
		cancel: cancel,
		logger: db.logger,
		id:     id,
	})
	return tx
}

func (tx *Transaction) applyDefaults() error {
	if tx.db.opts.Transaction.AccessSystemKeys {
		return tx.SetOption(native.TransactionOptionAccessSystemKeys, nil)
	}
	return nil
}

// ID returns the debug id of the transaction, unique per Database.
func (tx *Transaction) ID() uint64 { return tx.id }

// Mode returns the transaction mode.
func (tx *Transaction) Mode() Mode { return tx.mode }

// State returns the current state.
func (tx *Transaction) State() State { return State(tx.state.Load()) }

// Database returns the owning database.
func (tx *Transaction) Database() *Database { return tx.db }

// Context returns the cancellation scope of the transaction. It ends when
// the transaction is disposed or the creating context ends.
func (tx *Transaction) Context() context.Context { return tx.ctx }

// Size returns the estimated payload of the current attempt in bytes.
func (tx *Transaction) Size() int64 { return tx.payload.Load() }

// checkRead guards operations that wait on the network goroutine.
func (tx *Transaction) checkRead() error {
	if s := tx.State(); s != StateReady {
		return stateError(s)
	}
	if err := tx.ctx.Err(); err != nil {
		return err
	}
	if tx.db.engine.OnNetworkThread() {
		return ErrNetworkThread
	}
	if !tx.db.isRegistered(tx) {
		return ErrNotRegistered
	}
	return nil
}

// checkWrite guards mutations. Writes never block, so they are allowed on
// the network goroutine.
func (tx *Transaction) checkWrite() error {
	if s := tx.State(); s != StateReady {
		return stateError(s)
	}
	if err := tx.ctx.Err(); err != nil {
		return err
	}
	if tx.mode == ModeReadOnly {
		return ErrReadOnly
	}
	if !tx.db.isRegistered(tx) {
		return ErrNotRegistered
	}
	return nil
}

// transition moves to Ready from any state but Disposed.
func (tx *Transaction) toReady() bool {
	for {
		s := tx.state.Load()
		if State(s) == StateDisposed {
			return false
		}
		if tx.state.CompareAndSwap(s, int32(StateReady)) {
			return true
		}
	}
}

func (tx *Transaction) resetAttempt() {
	tx.payload.Store(0)
	tx.warned.Store(false)
}

func (tx *Transaction) addPayload(n int) {
	size := tx.payload.Add(int64(n))
	limit := tx.db.opts.PayloadWarnBytes
	if limit > 0 && size > limit && tx.warned.CompareAndSwap(false, true) {
		tx.logger.Warnf(logging.NSTxn+"#%d payload of %d bytes exceeds the soft limit of %d bytes", tx.id, size, limit)
	}
}

// bridge wraps a native future of tx in a Future scoped to tx.
func bridge[T any](tx *Transaction, h native.Future, extract func(native.Future) (T, error)) *Future[T] {
	f := newFuture[T]()
	f.onNetwork = tx.db.engine.OnNetworkThread
	f.start(h, extract, tx.ctx)
	return f
}

// Set writes value at key.
func (tx *Transaction) Set(key, value []byte) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := tx.db.checkKey(key, tx.systemKeys.Load(), false); err != nil {
		return err
	}
	if err := tx.db.EnsureValueIsValid(value); err != nil {
		return err
	}
	tx.h.Set(key, value)
	tx.addPayload(len(key) + len(value) + writeOverhead)
	return nil
}

// Clear deletes key.
func (tx *Transaction) Clear(key []byte) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := tx.db.checkKey(key, tx.systemKeys.Load(), false); err != nil {
		return err
	}
	tx.h.Clear(key)
	tx.addPayload(len(key))
	return nil
}

// ClearRange deletes every key in [begin, end).
func (tx *Transaction) ClearRange(begin, end []byte) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := tx.db.checkKey(begin, tx.systemKeys.Load(), false); err != nil {
		return err
	}
	if err := tx.db.checkKey(end, tx.systemKeys.Load(), true); err != nil {
		return err
	}
	tx.h.ClearRange(begin, end)
	tx.addPayload(len(begin) + len(end))
	return nil
}

// ClearKeyRange deletes every key in r.
func (tx *Transaction) ClearKeyRange(r KeyRange) error {
	return tx.ClearRange(r.Begin, r.End)
}

// Atomic applies op with param to key at commit time.
func (tx *Transaction) Atomic(key, param []byte, op MutationType) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := tx.db.checkKey(key, tx.systemKeys.Load(), false); err != nil {
		return err
	}
	if err := tx.db.EnsureValueIsValid(param); err != nil {
		return err
	}
	tx.h.AtomicOp(key, param, op)
	tx.addPayload(len(key) + len(param))
	return nil
}

func (tx *Transaction) addConflictRange(begin, end []byte, typ native.ConflictRangeType) error {
	if s := tx.State(); s != StateReady {
		return stateError(s)
	}
	return fromNative(tx.h.AddConflictRange(begin, end, typ))
}

// AddReadConflictRange makes the commit fail if [begin, end) was written
// after the read version.
func (tx *Transaction) AddReadConflictRange(begin, end []byte) error {
	return tx.addConflictRange(begin, end, native.ConflictRangeRead)
}

// AddReadConflictKey is AddReadConflictRange for a single key.
func (tx *Transaction) AddReadConflictKey(key []byte) error {
	return tx.addConflictRange(key, keyAfter(key), native.ConflictRangeRead)
}

// AddWriteConflictRange makes concurrent readers of [begin, end) conflict
// with this transaction.
func (tx *Transaction) AddWriteConflictRange(begin, end []byte) error {
	return tx.addConflictRange(begin, end, native.ConflictRangeWrite)
}

// AddWriteConflictKey is AddWriteConflictRange for a single key.
func (tx *Transaction) AddWriteConflictKey(key []byte) error {
	return tx.addConflictRange(key, keyAfter(key), native.ConflictRangeWrite)
}

func keyAfter(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

// SetReadVersion pins the read version of the current attempt.
func (tx *Transaction) SetReadVersion(version int64) error {
	if s := tx.State(); s != StateReady {
		return stateError(s)
	}
	tx.h.SetReadVersion(version)
	return nil
}

// GetCommittedVersion returns the version of the last successful commit,
// or -1 when it wrote nothing.
func (tx *Transaction) GetCommittedVersion() (int64, error) {
	if tx.State() == StateDisposed {
		return 0, ErrTransactionDisposed
	}
	v, err := tx.h.GetCommittedVersion()
	return v, fromNative(err)
}

// SetOption sets a native transaction option. Options survive Reset and
// OnError.
func (tx *Transaction) SetOption(opt native.TransactionOption, value []byte) error {
	if tx.State() == StateDisposed {
		return ErrTransactionDisposed
	}
	if err := tx.h.SetOption(opt, value); err != nil {
		return fromNative(err)
	}
	if opt == native.TransactionOptionAccessSystemKeys {
		tx.systemKeys.Store(true)
	}
	return nil
}

// SetTimeout cancels the transaction attempt after d. Zero disables it.
func (tx *Transaction) SetTimeout(d time.Duration) error {
	return tx.SetOption(native.TransactionOptionTimeout, native.Int64Param(d.Milliseconds()))
}

// SetRetryLimit bounds OnError retries. Negative means unlimited.
func (tx *Transaction) SetRetryLimit(n int) error {
	return tx.SetOption(native.TransactionOptionRetryLimit, native.Int64Param(int64(n)))
}

// SetNextWriteNoWriteConflictRange excludes the next write from the write
// conflict ranges.
func (tx *Transaction) SetNextWriteNoWriteConflictRange() error {
	return tx.SetOption(native.TransactionOptionNextWriteNoWriteConflictRange, nil)
}

// Commit commits the attempt. On success the transaction is Committed; on
// failure it is Failed until Reset or OnError.
func (tx *Transaction) Commit() *Future[struct{}] {
	if s := tx.State(); s != StateReady {
		return failedFuture[struct{}](stateError(s))
	}
	if err := tx.ctx.Err(); err != nil {
		return failedFuture[struct{}](err)
	}
	if !tx.db.isRegistered(tx) {
		return failedFuture[struct{}](ErrNotRegistered)
	}
	if !tx.committing.CompareAndSwap(false, true) {
		return failedFuture[struct{}](ErrCommitInProgress)
	}

	start := time.Now()
	payload := tx.payload.Load()
	f := newFuture[struct{}]()
	f.onNetwork = tx.db.engine.OnNetworkThread
	f.then = func(v struct{}, err error) (struct{}, error) {
		if err == nil {
			tx.state.CompareAndSwap(int32(StateReady), int32(StateCommitted))
		} else {
			tx.state.CompareAndSwap(int32(StateReady), int32(StateFailed))
			tx.logger.Debugf(logging.NSTxn+"#%d commit failed: %v", tx.id, err)
		}
		tx.committing.Store(false)
		tx.db.metrics.commitDone(start, payload, err)
		return v, err
	}
	f.start(tx.h.Commit(), extractNil, tx.ctx)
	return f
}

// OnError implements the retry step for err. When err is a retryable
// *Error, the future completes after a backoff delay and the transaction
// is Ready for a new attempt. Otherwise the future fails with err.
func (tx *Transaction) OnError(err error) *Future[struct{}] {
	switch s := tx.State(); s {
	case StateDisposed, StateInit:
		return failedFuture[struct{}](stateError(s))
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return failedFuture[struct{}](err)
	}
	if cerr := tx.ctx.Err(); cerr != nil {
		return failedFuture[struct{}](cerr)
	}

	f := newFuture[struct{}]()
	f.onNetwork = tx.db.engine.OnNetworkThread
	f.then = func(v struct{}, err error) (struct{}, error) {
		if err != nil {
			return v, err
		}
		tx.resetAttempt()
		if !tx.toReady() {
			return v, ErrTransactionDisposed
		}
		tx.db.metrics.retried(fe.Code)
		tx.logger.Debugf(logging.NSTxn+"#%d retrying after %s", tx.id, native.Describe(fe.Code))
		return v, nil
	}
	f.start(tx.h.OnError(fe.Code), extractNil, tx.ctx)
	return f
}

// Reset discards the current attempt and returns the transaction to Ready.
func (tx *Transaction) Reset() error {
	switch s := tx.State(); s {
	case StateDisposed, StateInit:
		return stateError(s)
	}
	tx.h.Reset()
	tx.resetAttempt()
	tx.committing.Store(false)
	if !tx.toReady() {
		return ErrTransactionDisposed
	}
	return nil
}

// Cancel cancels a Ready transaction. Cancelling twice is a no-op; every
// other state has its own error.
func (tx *Transaction) Cancel() error {
	for {
		switch s := tx.State(); s {
		case StateCanceled:
			return nil
		case StateReady:
			if !tx.state.CompareAndSwap(int32(StateReady), int32(StateCanceled)) {
				continue
			}
			tx.h.Cancel()
			tx.logger.Debugf(logging.NSTxn+"#%d canceled", tx.id)
			return nil
		default:
			return stateError(s)
		}
	}
}

// Dispose releases the transaction. The first call unregisters it from
// the database, cancels its scope and destroys the native handle, running
// every step even if one fails. Later calls do nothing and return nil.
func (tx *Transaction) Dispose() error {
	if State(tx.state.Swap(int32(StateDisposed))) == StateDisposed {
		return nil
	}
	tx.cleanup.Stop()

	var result *multierror.Error
	step := func(name string, fn func()) {
		defer func() {
			if r := recover(); r != nil {
				result = multierror.Append(result, fmt.Errorf("fdb: dispose %s: %v", name, r))
			}
		}()
		fn()
	}
	step("unregister", func() {
		if tx.db.unregister(tx) {
			tx.db.metrics.txDisposed()
		}
	})
	step("cancel scope", tx.cancel)
	step("destroy handle", func() { tx.handle.destroy() })

	if err := result.ErrorOrNil(); err != nil {
		tx.logger.Errorf(logging.NSTxn+"#%d dispose: %v", tx.id, err)
		return err
	}
	tx.logger.Debugf(logging.NSTxn+"#%d disposed", tx.id)
	return nil
}
