package memengine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/fdb/internal/dbformat"
	"github.com/aalhour/fdb/internal/memtable"
	"github.com/aalhour/fdb/native"
)

// store is the shared state of one named database. Everything except the
// version counter and the watch set is only touched from the network
// goroutine.
type store struct {
	name     string
	mem      *memtable.MemTable
	version  atomic.Uint64
	resolver *resolver
	watches  *watchSet
	persist  *snapshotFile
}

func newStore(name string, window uint64) *store {
	return &store{
		name:     name,
		mem:      memtable.NewMemTable(),
		resolver: newResolver(window),
		watches:  newWatchSet(),
	}
}

func (st *store) current() uint64 {
	return st.version.Load()
}

// latestValue returns the committed value of key.
func (st *store) latestValue(key []byte) ([]byte, bool) {
	return st.mem.Get(key, dbformat.Version(st.current()))
}

// memInserter applies a commit batch to the memtable.
type memInserter struct {
	mem     *memtable.MemTable
	version dbformat.Version
	changed [][]byte
}

func (m *memInserter) Put(key, value []byte) error {
	m.mem.Add(m.version, dbformat.TypeValue, key, value)
	m.changed = append(m.changed, key)
	return nil
}

func (m *memInserter) Delete(key []byte) error {
	m.mem.Add(m.version, dbformat.TypeDeletion, key, nil)
	m.changed = append(m.changed, key)
	return nil
}

// txDefaults are the database-level defaults applied to new transactions.
type txDefaults struct {
	timeout       time.Duration
	retryLimit    int
	maxRetryDelay time.Duration
	sizeLimit     int
}

// database implements native.Database.
type database struct {
	engine *Engine
	st     *store

	mu       sync.Mutex
	defaults txDefaults

	destroyed atomic.Bool
}

var _ native.Database = (*database)(nil)

func newDatabase(e *Engine, st *store) *database {
	return &database{
		engine: e,
		st:     st,
		defaults: txDefaults{
			retryLimit:    -1,
			maxRetryDelay: time.Second,
			sizeLimit:     e.opts.SizeLimit,
		},
	}
}

// CreateTransaction returns a new transaction handle.
func (d *database) CreateTransaction() (native.Transaction, error) {
	if d.destroyed.Load() {
		return nil, native.NewError(native.ClientInvalidOperation)
	}
	d.mu.Lock()
	defaults := d.defaults
	d.mu.Unlock()
	return newTransaction(d.engine, d.st, defaults), nil
}

// SetOption sets a database option.
func (d *database) SetOption(opt native.DatabaseOption, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch opt {
	case native.DatabaseOptionLocationCacheSize, native.DatabaseOptionMaxWatches:
		_, err := native.ParseInt64Param(value)
		return err
	case native.DatabaseOptionTransactionTimeout:
		ms, err := native.ParseInt64Param(value)
		if err != nil || ms < 0 {
			return native.NewError(native.InvalidOptionValue)
		}
		d.defaults.timeout = time.Duration(ms) * time.Millisecond
	case native.DatabaseOptionRetryLimit:
		n, err := native.ParseInt64Param(value)
		if err != nil {
			return err
		}
		d.defaults.retryLimit = int(n)
	case native.DatabaseOptionMaxRetryDelay:
		ms, err := native.ParseInt64Param(value)
		if err != nil || ms < 0 {
			return native.NewError(native.InvalidOptionValue)
		}
		d.defaults.maxRetryDelay = time.Duration(ms) * time.Millisecond
	case native.DatabaseOptionSizeLimit:
		n, err := native.ParseInt64Param(value)
		if err != nil || n <= 0 {
			return native.NewError(native.InvalidOptionValue)
		}
		d.defaults.sizeLimit = int(n)
	default:
		return native.NewError(native.InvalidOption)
	}
	return nil
}

// Destroy releases the handle. Transactions already created keep working.
func (d *database) Destroy() {
	if d.destroyed.Swap(true) {
		d.engine.doubleDestroys.Add(1)
	}
}
