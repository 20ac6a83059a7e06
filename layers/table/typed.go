package table

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aalhour/fdb"
	"github.com/aalhour/fdb/tuple"
)

// Key lists the id types a Typed table accepts.
type Key interface {
	string | int64 | int | uint64 | []byte
}

// Typed is a table of msgpack-encoded V keyed by a single id element.
type Typed[K Key, V any] struct {
	*Table
}

// NewTyped wraps t.
func NewTyped[K Key, V any](t *Table) *Typed[K, V] {
	return &Typed[K, V]{Table: t}
}

// Get decodes the row at id. ok is false when the row is missing.
func (t *Typed[K, V]) Get(rt fdb.ReadTransaction, id K) (v V, ok bool, err error) {
	raw, err := t.Table.Get(rt, tuple.Tuple{id})
	if err != nil || raw == nil {
		return v, false, err
	}
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return v, false, errors.Wrapf(err, "table: decode row %v", id)
	}
	return v, true, nil
}

// Set encodes v and writes it at id.
func (t *Typed[K, V]) Set(tx *fdb.Transaction, id K, v V) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "table: encode row %v", id)
	}
	return t.Table.Set(tx, tuple.Tuple{id}, raw)
}

// Clear removes the row at id.
func (t *Typed[K, V]) Clear(tx *fdb.Transaction, id K) error {
	return t.Table.Clear(tx, tuple.Tuple{id})
}

// GetDB reads id in its own transaction.
func (t *Typed[K, V]) GetDB(ctx context.Context, db *fdb.Database, id K) (V, bool, error) {
	type result struct {
		v  V
		ok bool
	}
	r, err := fdb.Read(ctx, db, func(rt fdb.ReadTransaction) (result, error) {
		v, ok, err := t.Get(rt, id)
		return result{v, ok}, err
	})
	return r.v, r.ok, err
}

// SetDB writes id in its own retried transaction.
func (t *Typed[K, V]) SetDB(ctx context.Context, db *fdb.Database, id K, v V) error {
	return fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		return t.Set(tx, id, v)
	})
}

// ClearDB removes id in its own retried transaction.
func (t *Typed[K, V]) ClearDB(ctx context.Context, db *fdb.Database, id K) error {
	return fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		return t.Clear(tx, id)
	})
}
