package memengine

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aalhour/fdb/internal/batch"
	"github.com/aalhour/fdb/internal/dbformat"
	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/native"
)

const maxKeySize = 10_000

type mutation struct {
	op    native.MutationType
	param []byte
}

// pendingWrite is the uncommitted state of one key. When known is false
// the ops apply on top of the committed value.
type pendingWrite struct {
	known  bool
	value  []byte
	exists bool
	ops    []mutation
}

func (p *pendingWrite) resolve(base []byte, baseExists bool) ([]byte, bool) {
	v, ok := base, baseExists
	if p.known {
		v, ok = p.value, p.exists
	}
	for _, m := range p.ops {
		v, ok = applyMutation(m.op, v, ok, m.param)
	}
	return v, ok
}

// transaction implements native.Transaction over a store.
type transaction struct {
	engine *Engine
	st     *store

	mu sync.Mutex
	// gen changes on every reset; scheduled work from an older generation
	// is dropped.
	gen            uint64
	hasReadVersion bool
	readVersion    uint64
	writes         map[string]*pendingWrite
	cleared        []keyRange
	reads          []keyRange
	writeRanges    []keyRange
	deferred       []*watch
	size           int
	sticky         int

	cancelled        bool
	timedOut         bool
	committing       bool
	committed        bool
	committedVersion int64

	pending map[*future]struct{}

	timeout             time.Duration
	retryLimit          int
	maxRetryDelay       time.Duration
	sizeLimit           int
	accessSystemKeys    bool
	readSystemKeys      bool
	rywDisabled         bool
	nextWriteNoConflict bool

	retries int
	backoff *backoff.ExponentialBackOff
	started time.Time
	timer   *time.Timer

	destroyed atomic.Bool
}

var _ native.Transaction = (*transaction)(nil)

func newTransaction(e *Engine, st *store, d txDefaults) *transaction {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = d.maxRetryDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	tx := &transaction{
		engine:           e,
		st:               st,
		writes:           make(map[string]*pendingWrite),
		pending:          make(map[*future]struct{}),
		committedVersion: -1,
		timeout:          d.timeout,
		retryLimit:       d.retryLimit,
		maxRetryDelay:    d.maxRetryDelay,
		sizeLimit:        d.sizeLimit,
		backoff:          bo,
		started:          time.Now(),
	}
	e.liveTxns.Add(1)
	tx.mu.Lock()
	tx.armTimerLocked()
	tx.mu.Unlock()
	return tx
}

func (tx *transaction) armTimerLocked() {
	if tx.timer != nil {
		tx.timer.Stop()
		tx.timer = nil
	}
	if tx.timeout <= 0 {
		return
	}
	remaining := tx.timeout - time.Since(tx.started)
	if remaining < 0 {
		remaining = 0
	}
	gen := tx.gen
	tx.timer = time.AfterFunc(remaining, func() { tx.expire(gen) })
}

func (tx *transaction) expire(gen uint64) {
	tx.mu.Lock()
	if gen != tx.gen || tx.committed {
		tx.mu.Unlock()
		return
	}
	tx.timedOut = true
	pending := tx.takePendingLocked()
	tx.mu.Unlock()
	failAll(pending, native.TransactionTimedOut)
}

func (tx *transaction) takePendingLocked() []*future {
	out := make([]*future, 0, len(tx.pending))
	for f := range tx.pending {
		out = append(out, f)
	}
	clear(tx.pending)
	return out
}

func failAll(fs []*future, code int) {
	for _, f := range fs {
		f.fail(code)
	}
}

func (tx *transaction) trackLocked(f *future) {
	tx.pending[f] = struct{}{}
	f.done = func(f *future) {
		tx.mu.Lock()
		delete(tx.pending, f)
		tx.mu.Unlock()
	}
}

// stateCodeLocked returns the error every operation fails with in the
// current state, or 0.
func (tx *transaction) stateCodeLocked() int {
	switch {
	case tx.destroyed.Load():
		return native.ClientInvalidOperation
	case tx.cancelled:
		return native.TransactionCancelled
	case tx.timedOut:
		return native.TransactionTimedOut
	}
	return 0
}

func (tx *transaction) maxKeyLocked() []byte {
	if tx.accessSystemKeys || tx.readSystemKeys {
		return []byte{0xff, 0xff}
	}
	return []byte{0xff}
}

func (tx *transaction) checkReadKeyLocked(key []byte) int {
	if len(key) > maxKeySize {
		return native.KeyTooLarge
	}
	if bytes.Compare(key, tx.maxKeyLocked()) >= 0 {
		return native.KeyOutsideLegalRange
	}
	return 0
}

func (tx *transaction) checkWriteKeyLocked(key []byte) int {
	if len(key) > maxKeySize {
		return native.KeyTooLarge
	}
	if !tx.accessSystemKeys && len(key) > 0 && key[0] == 0xff {
		return native.KeyOutsideLegalRange
	}
	return 0
}

func (tx *transaction) stickLocked(code int) {
	if tx.sticky == 0 {
		tx.sticky = code
	}
}

// admit validates a read and registers f as pending. It returns the
// generation the read belongs to, or a non-zero code.
func (tx *transaction) admit(f *future, key []byte) (uint64, int) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if code := tx.stateCodeLocked(); code != 0 {
		return 0, code
	}
	if key != nil {
		if code := tx.checkReadKeyLocked(key); code != 0 {
			return 0, code
		}
	}
	tx.trackLocked(f)
	return tx.gen, 0
}

// readOnNetwork runs fn under the transaction lock with the read version,
// unless the transaction moved on since the read was admitted.
func (tx *transaction) readOnNetwork(f *future, gen uint64, fn func(rv uint64) func(*future)) {
	tx.engine.schedule(f, func() {
		tx.mu.Lock()
		if gen != tx.gen {
			tx.mu.Unlock()
			f.fail(native.TransactionCancelled)
			return
		}
		if code := tx.stateCodeLocked(); code != 0 {
			tx.mu.Unlock()
			f.fail(code)
			return
		}
		rv, code := tx.readVersionLocked()
		if code != 0 {
			tx.mu.Unlock()
			f.fail(code)
			return
		}
		set := fn(rv)
		tx.mu.Unlock()
		f.complete(set)
	})
}

func (tx *transaction) readVersionLocked() (uint64, int) {
	cur := tx.st.current()
	if !tx.hasReadVersion {
		tx.readVersion = cur
		tx.hasReadVersion = true
	}
	if tx.readVersion > cur {
		return 0, native.FutureVersion
	}
	if tx.st.resolver.tooOld(tx.readVersion, cur) {
		return 0, native.TransactionTooOld
	}
	return tx.readVersion, 0
}

// GetReadVersion returns the snapshot version reads use.
func (tx *transaction) GetReadVersion() native.Future {
	f := newFuture(tx.engine)
	gen, code := tx.admit(f, nil)
	if code != 0 {
		f.fail(code)
		return f
	}
	tx.readOnNetwork(f, gen, func(rv uint64) func(*future) {
		return func(f *future) { f.version = int64(rv) }
	})
	return f
}

// SetReadVersion pins the snapshot version.
func (tx *transaction) SetReadVersion(version int64) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.readVersion = uint64(version)
	tx.hasReadVersion = true
}

// Get reads one key.
func (tx *transaction) Get(key []byte, snapshot bool) native.Future {
	f := newFuture(tx.engine)
	key = bytes.Clone(key)
	gen, code := tx.admit(f, key)
	if code != 0 {
		f.fail(code)
		return f
	}
	tx.readOnNetwork(f, gen, func(rv uint64) func(*future) {
		v, ok := tx.pointValueLocked(key, rv)
		if !snapshot {
			tx.reads = append(tx.reads, pointRange(key))
		}
		v = bytes.Clone(v)
		return func(f *future) { f.value, f.present = v, ok }
	})
	return f
}

// GetKey resolves a key selector.
func (tx *transaction) GetKey(sel native.KeySelector, snapshot bool) native.Future {
	f := newFuture(tx.engine)
	sel.Key = bytes.Clone(sel.Key)
	gen, code := tx.admit(f, nil)
	if code != 0 {
		f.fail(code)
		return f
	}
	tx.readOnNetwork(f, gen, func(rv uint64) func(*future) {
		k := tx.resolveSelectorLocked(sel, rv)
		if !snapshot {
			lo, hi := sel.Key, k
			if bytes.Compare(lo, hi) > 0 {
				lo, hi = hi, lo
			}
			tx.reads = append(tx.reads, keyRange{begin: bytes.Clone(lo), end: keyAfter(hi)})
		}
		return func(f *future) { f.key = k }
	})
	return f
}

// GetRange reads one chunk of the range between two selectors.
func (tx *transaction) GetRange(begin, end native.KeySelector, req native.RangeRequest) native.Future {
	f := newFuture(tx.engine)
	begin.Key, end.Key = bytes.Clone(begin.Key), bytes.Clone(end.Key)
	gen, code := tx.admit(f, nil)
	if code != 0 {
		f.fail(code)
		return f
	}
	tx.readOnNetwork(f, gen, func(rv uint64) func(*future) {
		kvs, more, conflict := tx.rangeChunkLocked(begin, end, req, rv)
		if !req.Snapshot && len(conflict.end) > 0 {
			tx.reads = append(tx.reads, conflict)
		}
		return func(f *future) { f.kvs, f.more = kvs, more }
	})
	return f
}

// admitWriteLocked validates a write key. Writes on a cancelled or timed
// out transaction are dropped; the commit reports the state.
func (tx *transaction) admitWriteLocked(key []byte) bool {
	if tx.stateCodeLocked() != 0 {
		return false
	}
	if code := tx.checkWriteKeyLocked(key); code != 0 {
		tx.stickLocked(code)
		return false
	}
	return true
}

func (tx *transaction) addWriteConflictLocked(r keyRange) {
	if tx.nextWriteNoConflict {
		tx.nextWriteNoConflict = false
		return
	}
	tx.writeRanges = append(tx.writeRanges, r)
}

// Set writes key=value.
func (tx *transaction) Set(key, value []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.admitWriteLocked(key) {
		return
	}
	if len(value) > maxValueSize {
		tx.stickLocked(native.ValueTooLarge)
		return
	}
	tx.writes[string(key)] = &pendingWrite{known: true, value: bytes.Clone(value), exists: true}
	tx.addWriteConflictLocked(pointRange(key))
	tx.size += len(key) + len(value)
}

// Clear deletes key.
func (tx *transaction) Clear(key []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.admitWriteLocked(key) {
		return
	}
	tx.writes[string(key)] = &pendingWrite{known: true}
	tx.addWriteConflictLocked(pointRange(key))
	tx.size += len(key)
}

// ClearRange deletes every key in [begin, end).
func (tx *transaction) ClearRange(begin, end []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.admitWriteLocked(begin) {
		return
	}
	if bytes.Compare(end, tx.maxKeyLocked()) > 0 && !tx.accessSystemKeys {
		tx.stickLocked(native.KeyOutsideLegalRange)
		return
	}
	if bytes.Compare(begin, end) >= 0 {
		return
	}
	r := keyRange{begin: bytes.Clone(begin), end: bytes.Clone(end)}
	for k, p := range tx.writes {
		if r.contains([]byte(k)) {
			*p = pendingWrite{known: true}
		}
	}
	tx.cleared = append(tx.cleared, r)
	tx.addWriteConflictLocked(r)
	tx.size += len(begin) + len(end)
}

// AtomicOp records a mutation applied at commit time against the latest
// committed value.
func (tx *transaction) AtomicOp(key, param []byte, op native.MutationType) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.admitWriteLocked(key) {
		return
	}
	if !validMutation(op) {
		tx.stickLocked(native.ClientInvalidOperation)
		return
	}
	if len(param) > maxValueSize {
		tx.stickLocked(native.ValueTooLarge)
		return
	}
	p, ok := tx.writes[string(key)]
	if !ok {
		p = &pendingWrite{known: tx.inClearedLocked(key)}
		tx.writes[string(key)] = p
	}
	p.ops = append(p.ops, mutation{op: op, param: bytes.Clone(param)})
	tx.addWriteConflictLocked(pointRange(key))
	tx.size += len(key) + len(param)
}

// AddConflictRange adds an explicit read or write conflict range.
func (tx *transaction) AddConflictRange(begin, end []byte, typ native.ConflictRangeType) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if code := tx.stateCodeLocked(); code != 0 {
		return native.NewError(code)
	}
	if bytes.Compare(begin, end) > 0 {
		return native.NewError(native.ClientInvalidOperation)
	}
	r := keyRange{begin: bytes.Clone(begin), end: bytes.Clone(end)}
	switch typ {
	case native.ConflictRangeRead:
		tx.reads = append(tx.reads, r)
	case native.ConflictRangeWrite:
		tx.writeRanges = append(tx.writeRanges, r)
	default:
		return native.NewError(native.InvalidOptionValue)
	}
	return nil
}

// Commit resolves conflicts and applies the writes on the network goroutine.
func (tx *transaction) Commit() native.Future {
	f := newFuture(tx.engine)
	tx.mu.Lock()
	code := tx.stateCodeLocked()
	if code == 0 && tx.committing {
		code = native.UsedDuringCommit
	}
	if code != 0 {
		tx.mu.Unlock()
		f.fail(code)
		return f
	}
	tx.committing = true
	gen := tx.gen
	tx.trackLocked(f)
	tx.mu.Unlock()

	tx.engine.schedule(f, func() {
		tx.mu.Lock()
		changed, code := tx.commitLocked(gen)
		if gen == tx.gen {
			tx.committing = false
		}
		tx.mu.Unlock()

		if code != 0 {
			f.fail(code)
			return
		}
		if len(changed) > 0 {
			tx.st.watches.notify(tx.st, changed)
		}
		f.succeed()
	})
	return f
}

func (tx *transaction) commitLocked(gen uint64) ([][]byte, int) {
	if gen != tx.gen {
		return nil, native.TransactionCancelled
	}
	if code := tx.stateCodeLocked(); code != 0 {
		return nil, code
	}
	if tx.sticky != 0 {
		return nil, tx.sticky
	}
	if tx.size > tx.sizeLimit {
		return nil, native.TransactionTooLarge
	}
	if len(tx.writes) == 0 && len(tx.cleared) == 0 && len(tx.writeRanges) == 0 {
		tx.committed = true
		tx.committedVersion = -1
		tx.registerDeferredLocked()
		return nil, 0
	}

	st := tx.st
	cur := st.current()
	if tx.hasReadVersion {
		if tx.readVersion > cur {
			return nil, native.FutureVersion
		}
		if code := st.resolver.check(tx.readVersion, cur, tx.reads); code != 0 {
			if code == native.NotCommitted {
				tx.engine.conflicts.Add(1)
			}
			return nil, code
		}
	}

	cv := cur + 1
	wb := tx.buildBatchLocked(dbformat.Version(cur))
	wb.SetVersion(cv)

	if st.persist != nil {
		if err := st.persist.apply(st.name, wb); err != nil {
			tx.engine.logger.Errorf(logging.NSEngine+"persist commit %d: %v", cv, err)
			return nil, native.InternalError
		}
	}
	ins := &memInserter{mem: st.mem, version: dbformat.Version(cv)}
	if err := wb.Iterate(ins); err != nil {
		tx.engine.logger.Errorf(logging.NSEngine+"apply commit %d: %v", cv, err)
		return nil, native.InternalError
	}
	st.resolver.record(cv, tx.writeRanges)
	st.version.Store(cv)
	tx.engine.commits.Add(1)

	tx.committed = true
	tx.committedVersion = int64(cv)
	tx.registerDeferredLocked()
	return ins.changed, 0
}

// buildBatchLocked turns the pending writes into point records against the
// state at version cur.
func (tx *transaction) buildBatchLocked(cur dbformat.Version) *batch.WriteBatch {
	wb := batch.New()
	deleted := make(map[string]struct{})
	for _, r := range tx.cleared {
		it := tx.st.mem.NewIterator(cur)
		for it.Seek(r.begin); it.Valid() && bytes.Compare(it.Key(), r.end) < 0; it.Next() {
			k := string(it.Key())
			if _, pending := tx.writes[k]; pending {
				continue
			}
			if _, done := deleted[k]; done {
				continue
			}
			deleted[k] = struct{}{}
			wb.Delete([]byte(k))
		}
	}

	keys := make([]string, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		base, ok := tx.st.mem.Get([]byte(k), cur)
		v, exists := tx.writes[k].resolve(base, ok)
		switch {
		case exists:
			wb.Put([]byte(k), v)
		case ok:
			wb.Delete([]byte(k))
		}
	}
	return wb
}

// GetCommittedVersion returns the commit version, or -1 for a read-only
// commit.
func (tx *transaction) GetCommittedVersion() (int64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.committed {
		return 0, native.NewError(native.ClientInvalidOperation)
	}
	return tx.committedVersion, nil
}

// OnError resets the transaction after a backoff delay when code is
// retryable and the retry limit allows it.
func (tx *transaction) OnError(code int) native.Future {
	f := newFuture(tx.engine)
	tx.mu.Lock()
	if tx.destroyed.Load() {
		tx.mu.Unlock()
		f.fail(native.ClientInvalidOperation)
		return f
	}
	if !native.IsRetryable(code) {
		tx.mu.Unlock()
		f.fail(code)
		return f
	}
	tx.retries++
	if tx.retryLimit >= 0 && tx.retries > tx.retryLimit {
		tx.mu.Unlock()
		f.fail(code)
		return f
	}
	delay := tx.backoff.NextBackOff()
	if delay == backoff.Stop || delay > tx.maxRetryDelay {
		delay = tx.maxRetryDelay
	}
	gen := tx.gen
	tx.mu.Unlock()

	tx.engine.logger.Debugf(logging.NSEngine+"retrying after %s (code %d, attempt %d)", delay, code, tx.retries)
	tx.engine.scheduleAfter(delay, f, func() {
		tx.mu.Lock()
		if gen != tx.gen || tx.destroyed.Load() {
			tx.mu.Unlock()
			f.fail(native.TransactionCancelled)
			return
		}
		stale := tx.resetLocked(false)
		tx.mu.Unlock()
		failAll(stale, native.TransactionCancelled)
		f.succeed()
	})
	return f
}

// Watch returns a future that completes when the value of key changes.
// The watch does not hold on to the transaction.
func (tx *transaction) Watch(key []byte) native.Future {
	f := newFuture(tx.engine)
	key = bytes.Clone(key)
	tx.mu.Lock()
	code := tx.stateCodeLocked()
	if code == 0 {
		code = tx.checkReadKeyLocked(key)
	}
	gen := tx.gen
	tx.mu.Unlock()
	if code != 0 {
		f.fail(code)
		return f
	}

	tx.engine.schedule(f, func() {
		tx.mu.Lock()
		if gen != tx.gen {
			tx.mu.Unlock()
			f.fail(native.TransactionCancelled)
			return
		}
		rv, code := tx.readVersionLocked()
		if code != 0 {
			tx.mu.Unlock()
			f.fail(code)
			return
		}
		v, ok := tx.pointValueLocked(key, rv)
		w := &watch{key: key, value: bytes.Clone(v), present: ok, f: f}
		f.mu.Lock()
		f.onCancel = func() { tx.st.watches.remove(w) }
		f.mu.Unlock()
		if _, written := tx.writes[string(key)]; written && !tx.committed {
			tx.deferred = append(tx.deferred, w)
			tx.mu.Unlock()
			return
		}
		tx.mu.Unlock()
		tx.registerWatch(w)
	})
	return f
}

func (tx *transaction) registerWatch(w *watch) {
	tx.st.watches.add(w)
	if v, ok := tx.st.latestValue(w.key); w.changed(v, ok) {
		tx.st.watches.remove(w)
		w.f.succeed()
	}
}

func (tx *transaction) registerDeferredLocked() {
	for _, w := range tx.deferred {
		tx.st.watches.add(w)
	}
	tx.deferred = nil
}

// Reset returns the transaction to its initial state.
func (tx *transaction) Reset() {
	tx.mu.Lock()
	stale := tx.resetLocked(true)
	tx.mu.Unlock()
	failAll(stale, native.TransactionCancelled)
}

// resetLocked clears all per-attempt state and returns the futures that
// must fail. Options survive; full also clears the retry state.
func (tx *transaction) resetLocked(full bool) []*future {
	tx.gen++
	stale := tx.takePendingLocked()
	for _, w := range tx.deferred {
		stale = append(stale, w.f)
	}
	tx.deferred = nil
	tx.hasReadVersion = false
	tx.readVersion = 0
	tx.writes = make(map[string]*pendingWrite)
	tx.cleared = nil
	tx.reads = nil
	tx.writeRanges = nil
	tx.size = 0
	tx.sticky = 0
	tx.cancelled = false
	tx.timedOut = false
	tx.committing = false
	tx.committed = false
	tx.committedVersion = -1
	tx.nextWriteNoConflict = false
	tx.started = time.Now()
	if full {
		tx.retries = 0
		tx.backoff.Reset()
	}
	tx.armTimerLocked()
	return stale
}

// Cancel fails pending and future operations with transaction_cancelled.
func (tx *transaction) Cancel() {
	tx.mu.Lock()
	if tx.committed {
		tx.mu.Unlock()
		return
	}
	tx.cancelled = true
	stale := tx.takePendingLocked()
	tx.mu.Unlock()
	failAll(stale, native.TransactionCancelled)
}

// SetOption sets a transaction option.
func (tx *transaction) SetOption(opt native.TransactionOption, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch opt {
	case native.TransactionOptionTimeout:
		ms, err := native.ParseInt64Param(value)
		if err != nil || ms < 0 {
			return native.NewError(native.InvalidOptionValue)
		}
		tx.timeout = time.Duration(ms) * time.Millisecond
		tx.armTimerLocked()
	case native.TransactionOptionRetryLimit:
		n, err := native.ParseInt64Param(value)
		if err != nil {
			return err
		}
		tx.retryLimit = int(n)
	case native.TransactionOptionMaxRetryDelay:
		ms, err := native.ParseInt64Param(value)
		if err != nil || ms < 0 {
			return native.NewError(native.InvalidOptionValue)
		}
		tx.maxRetryDelay = time.Duration(ms) * time.Millisecond
		tx.backoff.MaxInterval = tx.maxRetryDelay
	case native.TransactionOptionSizeLimit:
		n, err := native.ParseInt64Param(value)
		if err != nil || n <= 0 {
			return native.NewError(native.InvalidOptionValue)
		}
		tx.sizeLimit = int(n)
	case native.TransactionOptionAccessSystemKeys:
		tx.accessSystemKeys = true
	case native.TransactionOptionReadSystemKeys:
		tx.readSystemKeys = true
	case native.TransactionOptionReadYourWritesDisable:
		tx.rywDisabled = true
	case native.TransactionOptionNextWriteNoWriteConflictRange:
		tx.nextWriteNoConflict = true
	default:
		return native.NewError(native.InvalidOption)
	}
	return nil
}

// Destroy releases the handle and fails pending operations.
func (tx *transaction) Destroy() {
	if tx.destroyed.Swap(true) {
		tx.engine.doubleDestroys.Add(1)
		return
	}
	tx.mu.Lock()
	if tx.timer != nil {
		tx.timer.Stop()
		tx.timer = nil
	}
	stale := tx.takePendingLocked()
	for _, w := range tx.deferred {
		stale = append(stale, w.f)
	}
	tx.deferred = nil
	tx.mu.Unlock()
	failAll(stale, native.OperationCancelled)
	tx.engine.liveTxns.Add(-1)
}
