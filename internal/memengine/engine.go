// Package memengine is an in-process implementation of the native engine
// boundary. It keeps every database in a versioned memtable, resolves
// optimistic conflicts against a window of recent commits, and completes all
// futures on a single network goroutine, so a client running on top of it
// sees the same threading and retry behavior as over a remote cluster.
//
// It is an embedded/test engine: there is no wire protocol and no
// replication. Data survives restarts only when Options.SnapshotPath is set.
package memengine

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/native"
)

// Options configures an Engine.
type Options struct {
	// Latency delays every request before it runs on the network goroutine.
	Latency time.Duration

	// MaxVersionLag is how many commits a read version may trail the
	// latest commit before reads and commits fail with transaction_too_old.
	MaxVersionLag uint64

	// SizeLimit is the default transaction size limit in bytes.
	SizeLimit int

	// SnapshotPath, when set, persists committed data to a bbolt file.
	SnapshotPath string

	// NoSync skips fsync on snapshot commits.
	NoSync bool

	// Logger receives engine diagnostics. Nil means logging.Discard.
	Logger logging.Logger
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		MaxVersionLag: 1_000_000,
		SizeLimit:     10_000_000,
	}
}

// Stats counts live native handles.
type Stats struct {
	LiveTransactions int64
	LiveFutures      int64
	DoubleDestroys   int64
	Commits          int64
	Conflicts        int64
}

// Engine implements native.Engine.
type Engine struct {
	opts   Options
	logger logging.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	queue   []func()
	wake    chan struct{}
	exited  chan struct{}

	networkID atomic.Uint64

	storesMu sync.Mutex
	stores   map[string]*store
	snapshot *snapshotFile

	liveTxns       atomic.Int64
	liveFutures    atomic.Int64
	doubleDestroys atomic.Int64
	commits        atomic.Int64
	conflicts      atomic.Int64
}

var _ native.Engine = (*Engine)(nil)

// New creates an engine. The network is not started.
func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.MaxVersionLag == 0 {
		opts.MaxVersionLag = def.MaxVersionLag
	}
	if opts.SizeLimit <= 0 {
		opts.SizeLimit = def.SizeLimit
	}
	logger := opts.Logger
	if logging.IsNil(logger) {
		logger = logging.Discard
	}
	return &Engine{
		opts:   opts,
		logger: logger,
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
		stores: make(map[string]*store),
	}
}

// StartNetwork starts the network goroutine and opens the snapshot file.
func (e *Engine) StartNetwork() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return native.NewError(native.NetworkAlreadySetup)
	}
	if e.opts.SnapshotPath != "" {
		snap, err := openSnapshotFile(e.opts.SnapshotPath, e.opts.NoSync)
		if err != nil {
			return err
		}
		e.snapshot = snap
	}
	e.started = true
	ready := make(chan struct{})
	go e.run(ready)
	<-ready
	e.logger.Infof(logging.NSEngine+"network started (latency=%s)", e.opts.Latency)
	return nil
}

// StopNetwork drains queued work, fails pending watches and stops the
// network goroutine.
func (e *Engine) StopNetwork() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return native.NewError(native.NetworkNotSetup)
	}
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.signal()
	<-e.exited

	e.storesMu.Lock()
	for _, st := range e.stores {
		st.watches.failAll(native.OperationCancelled)
	}
	e.storesMu.Unlock()

	if e.snapshot != nil {
		if err := e.snapshot.close(); err != nil {
			e.logger.Errorf(logging.NSEngine+"close snapshot: %v", err)
			return err
		}
	}
	e.logger.Infof(logging.NSEngine + "network stopped")
	return nil
}

// OnNetworkThread reports whether the caller is the network goroutine.
func (e *Engine) OnNetworkThread() bool {
	id := e.networkID.Load()
	return id != 0 && id == goroutineID()
}

// Stats returns handle counters.
func (e *Engine) Stats() Stats {
	return Stats{
		LiveTransactions: e.liveTxns.Load(),
		LiveFutures:      e.liveFutures.Load(),
		DoubleDestroys:   e.doubleDestroys.Load(),
		Commits:          e.commits.Load(),
		Conflicts:        e.conflicts.Load(),
	}
}

// OpenDatabase returns a handle on the named database, creating it on
// first use. Handles on the same name share data.
func (e *Engine) OpenDatabase(name string) (native.Database, error) {
	st, err := e.storeFor(name)
	if err != nil {
		return nil, err
	}
	return newDatabase(e, st), nil
}

func (e *Engine) storeFor(name string) (*store, error) {
	e.storesMu.Lock()
	defer e.storesMu.Unlock()
	if st, ok := e.stores[name]; ok {
		return st, nil
	}
	st := newStore(name, e.opts.MaxVersionLag)
	if e.snapshot != nil {
		if err := e.snapshot.load(name, st); err != nil {
			return nil, err
		}
		st.persist = e.snapshot
	}
	e.stores[name] = st
	e.logger.Debugf(logging.NSEngine+"opened database %q at version %d", name, st.version.Load())
	return st, nil
}

func (e *Engine) run(ready chan<- struct{}) {
	e.networkID.Store(goroutineID())
	close(ready)
	defer close(e.exited)
	for {
		<-e.wake
		for {
			e.mu.Lock()
			batch := e.queue
			e.queue = nil
			stopped := e.stopped
			e.mu.Unlock()

			if len(batch) == 0 {
				if stopped {
					return
				}
				break
			}
			for _, fn := range batch {
				e.runTask(fn)
			}
		}
	}
}

func (e *Engine) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf(logging.NSEngine+"task panicked: %v", r)
		}
	}()
	fn()
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// post queues fn for the network goroutine. It returns false when the
// network is not running.
func (e *Engine) post(fn func()) bool {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	e.signal()
	return true
}

// schedule runs fn on the network goroutine after the configured latency,
// failing f when the network is gone.
func (e *Engine) schedule(f *future, fn func()) {
	submit := func() {
		if !e.post(fn) {
			f.fail(e.networkErrorCode())
		}
	}
	if e.opts.Latency > 0 {
		time.AfterFunc(e.opts.Latency, submit)
		return
	}
	submit()
}

// scheduleAfter is schedule with an extra delay.
func (e *Engine) scheduleAfter(d time.Duration, f *future, fn func()) {
	if d <= 0 {
		e.schedule(f, fn)
		return
	}
	time.AfterFunc(d, func() { e.schedule(f, fn) })
}

func (e *Engine) networkErrorCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return native.NetworkNotSetup
	}
	return native.OperationCancelled
}

// goroutineID parses the current goroutine id from the stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	id, _ := strconv.ParseUint(string(s), 10, 64)
	return id
}
