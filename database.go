package fdb

// database.go implements the Database handle and its transaction registry.

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/aalhour/fdb/internal/logging"
	"github.com/aalhour/fdb/native"
	"github.com/aalhour/fdb/subspace"
)

const (
	// MaxKeySize is the largest key accepted by the client.
	MaxKeySize = 10_000

	// MaxValueSize is the largest value accepted by the client.
	MaxValueSize = 100_000
)

// Database is a handle on one database of an engine. It is safe for
// concurrent use. The engine's network must be started before Open.
type Database struct {
	id      uuid.UUID
	engine  native.Engine
	handle  native.Database
	opts    Options
	logger  logging.Logger
	metrics *Metrics

	nextTxID atomic.Uint64

	mu     sync.RWMutex
	live   map[uint64]*Transaction
	closed bool

	spaceMu sync.RWMutex
	space   subspace.Subspace
}

// Open opens the database named in opts on engine. A nil opts uses
// DefaultOptions.
func Open(engine native.Engine, opts *Options) (*Database, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	handle, err := engine.OpenDatabase(opts.Name)
	if err != nil {
		return nil, fmt.Errorf("fdb: open database %q: %w", opts.Name, fromNative(err))
	}
	db := &Database{
		id:      uuid.New(),
		engine:  engine,
		handle:  handle,
		opts:    *opts,
		logger:  logging.OrDefault(opts.Logger),
		metrics: opts.Metrics,
		live:    make(map[uint64]*Transaction),
		space:   opts.GlobalSpace,
	}
	if err := db.applyOptions(); err != nil {
		handle.Destroy()
		return nil, err
	}
	db.logger.Infof(logging.NSDB+"opened %q (id=%s)", opts.Name, db.id)
	return db, nil
}

func (db *Database) applyOptions() error {
	set := func(opt native.DatabaseOption, v int64) error {
		if err := db.handle.SetOption(opt, native.Int64Param(v)); err != nil {
			return fmt.Errorf("fdb: set database option %d: %w", opt, fromNative(err))
		}
		return nil
	}
	o := db.opts
	if o.LocationCacheSize > 0 {
		if err := set(native.DatabaseOptionLocationCacheSize, int64(o.LocationCacheSize)); err != nil {
			return err
		}
	}
	if o.MaxWatches > 0 {
		if err := set(native.DatabaseOptionMaxWatches, int64(o.MaxWatches)); err != nil {
			return err
		}
	}
	t := o.Transaction
	if t.Timeout > 0 {
		if err := set(native.DatabaseOptionTransactionTimeout, t.Timeout.Milliseconds()); err != nil {
			return err
		}
	}
	if err := set(native.DatabaseOptionRetryLimit, int64(t.RetryLimit)); err != nil {
		return err
	}
	if t.MaxRetryDelay > 0 {
		if err := set(native.DatabaseOptionMaxRetryDelay, t.MaxRetryDelay.Milliseconds()); err != nil {
			return err
		}
	}
	if t.SizeLimit > 0 {
		if err := set(native.DatabaseOptionSizeLimit, int64(t.SizeLimit)); err != nil {
			return err
		}
	}
	return nil
}

// ID returns the random instance id of this handle.
func (db *Database) ID() uuid.UUID {
	return db.id
}

// Name returns the database name.
func (db *Database) Name() string {
	return db.opts.Name
}

// Logger returns the database logger.
func (db *Database) Logger() Logger {
	return db.logger
}

// CreateTransaction starts a new transaction. Cancelling ctx fails every
// pending operation of the transaction. The caller must Dispose it.
func (db *Database) CreateTransaction(ctx context.Context, mode Mode) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return nil, ErrDatabaseClosed
	}

	h, err := db.handle.CreateTransaction()
	if err != nil {
		return nil, fromNative(err)
	}
	tx := newTransaction(ctx, db, h, db.nextTxID.Add(1), mode)
	if err := tx.applyDefaults(); err != nil {
		_ = tx.Dispose()
		return nil, err
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		_ = tx.Dispose()
		return nil, ErrDatabaseClosed
	}
	db.live[tx.id] = tx
	db.mu.Unlock()

	tx.state.Store(int32(StateReady))
	db.metrics.txStarted()
	db.logger.Debugf(logging.NSTxn+"#%d created (%s)", tx.id, mode)
	return tx, nil
}

func (db *Database) isRegistered(tx *Transaction) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.live[tx.id] == tx
}

func (db *Database) unregister(tx *Transaction) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.live[tx.id] != tx {
		return false
	}
	delete(db.live, tx.id)
	return true
}

// LiveTransactions returns the number of transactions not yet disposed.
func (db *Database) LiveTransactions() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.live)
}

// Close disposes every live transaction and releases the handle. Later
// calls are no-ops.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	live := make([]*Transaction, 0, len(db.live))
	for _, tx := range db.live {
		live = append(live, tx)
	}
	db.mu.Unlock()

	var result *multierror.Error
	for _, tx := range live {
		if err := tx.Dispose(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	db.handle.Destroy()
	if len(live) > 0 {
		db.logger.Warnf(logging.NSDB+"closed with %d live transactions", len(live))
	}
	return result.ErrorOrNil()
}

// GlobalSpace returns the prefix every key must live in.
func (db *Database) GlobalSpace() subspace.Subspace {
	db.spaceMu.RLock()
	defer db.spaceMu.RUnlock()
	return db.space
}

// ChangeGlobalSpace moves the database into s. Transactions validate keys
// against the space current at the time of each call.
func (db *Database) ChangeGlobalSpace(s subspace.Subspace) {
	db.spaceMu.Lock()
	db.space = s
	db.spaceMu.Unlock()
	db.logger.Infof(logging.NSDB+"global space changed to %q", s.Bytes())
}

// EnsureKeyIsValid checks key against the size limit, the global space and
// the system keyspace.
func (db *Database) EnsureKeyIsValid(key []byte, accessSystemKeys bool) error {
	return db.checkKey(key, accessSystemKeys, false)
}

// checkKey validates key. endOK also accepts the exclusive end of the
// allowed space, for range and selector bounds.
func (db *Database) checkKey(key []byte, accessSystemKeys, endOK bool) error {
	if len(key) > MaxKeySize {
		return &Error{Code: native.KeyTooLarge}
	}
	prefix := db.GlobalSpace().Bytes()
	if len(prefix) > 0 {
		if bytes.HasPrefix(key, prefix) {
			return nil
		}
		if endOK && bytes.Equal(key, append(bytes.Clone(prefix), 0xff)) {
			return nil
		}
		return &Error{Code: native.KeyOutsideLegalRange}
	}
	if accessSystemKeys || len(key) == 0 || key[0] != 0xff {
		return nil
	}
	if endOK && len(key) == 1 {
		return nil
	}
	return &Error{Code: native.KeyOutsideLegalRange}
}

// EnsureValueIsValid checks the value size limit.
func (db *Database) EnsureValueIsValid(value []byte) error {
	if len(value) > MaxValueSize {
		return &Error{Code: native.ValueTooLarge}
	}
	return nil
}
