// Package table stores rows keyed by tuples under a subspace.
//
// Every value is written framed: one byte naming the compression codec
// followed by the payload, so a table can change its codec without
// rewriting existing rows.
package table

import (
	"context"

	"github.com/pkg/errors"

	"github.com/aalhour/fdb"
	"github.com/aalhour/fdb/internal/compression"
	"github.com/aalhour/fdb/subspace"
	"github.com/aalhour/fdb/tuple"
)

// Compression selects the codec new rows are written with.
type Compression = compression.Type

// Supported codecs.
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	LZ4Compression    = compression.LZ4Compression
	ZstdCompression   = compression.ZstdCompression
)

// Table is a set of rows under Space.
type Table struct {
	Space       subspace.Subspace
	Compression Compression
}

// New returns a table under space writing rows with c.
func New(space subspace.Subspace, c Compression) *Table {
	return &Table{Space: space, Compression: c}
}

// Row is one decoded row.
type Row struct {
	ID    tuple.Tuple
	Value []byte
}

func (t *Table) key(id tuple.Tuple) ([]byte, error) {
	if len(id) == 0 {
		return nil, errors.New("table: empty row id")
	}
	packed, err := id.PackChecked()
	if err != nil {
		return nil, errors.Wrap(err, "table: row id")
	}
	return t.Space.Key(packed), nil
}

// Get returns the row stored at id, or nil if there is none.
func (t *Table) Get(rt fdb.ReadTransaction, id tuple.Tuple) ([]byte, error) {
	key, err := t.key(id)
	if err != nil {
		return nil, err
	}
	framed, err := rt.Get(key).Get()
	if err != nil || framed == nil {
		return nil, err
	}
	v, err := compression.Unframe(framed)
	if err != nil {
		return nil, errors.Wrapf(err, "table: row %s", id)
	}
	return v, nil
}

// Set writes value at id.
func (t *Table) Set(tx *fdb.Transaction, id tuple.Tuple, value []byte) error {
	key, err := t.key(id)
	if err != nil {
		return err
	}
	framed, err := compression.Frame(t.Compression, value)
	if err != nil {
		return errors.Wrapf(err, "table: row %s", id)
	}
	return tx.Set(key, framed)
}

// Clear removes the row at id.
func (t *Table) Clear(tx *fdb.Transaction, id tuple.Tuple) error {
	key, err := t.key(id)
	if err != nil {
		return err
	}
	return tx.Clear(key)
}

// ClearAll removes every row.
func (t *Table) ClearAll(tx *fdb.Transaction) error {
	return tx.ClearKeyRange(fdb.FullPrefixRange(t.Space))
}

// Scan returns every row in id order.
func (t *Table) Scan(rt fdb.ReadTransaction) ([]Row, error) {
	begin, end := fdb.PrefixRange(t.Space).Selectors()
	kvs, err := rt.GetRangeAll(begin, end, fdb.RangeOptions{}).Get()
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(kvs))
	for _, kv := range kvs {
		id, err := t.Space.Unpack(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := compression.Unframe(kv.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "table: row %s", id)
		}
		rows = append(rows, Row{ID: id, Value: v})
	}
	return rows, nil
}

// GetDB reads id in its own transaction.
func (t *Table) GetDB(ctx context.Context, db *fdb.Database, id tuple.Tuple) ([]byte, error) {
	return fdb.Read(ctx, db, func(rt fdb.ReadTransaction) ([]byte, error) {
		return t.Get(rt, id)
	})
}

// SetDB writes id in its own retried transaction.
func (t *Table) SetDB(ctx context.Context, db *fdb.Database, id tuple.Tuple, value []byte) error {
	return fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		return t.Set(tx, id, value)
	})
}

// ClearDB removes id in its own retried transaction.
func (t *Table) ClearDB(ctx context.Context, db *fdb.Database, id tuple.Tuple) error {
	return fdb.Write(ctx, db, func(tx *fdb.Transaction) error {
		return t.Clear(tx, id)
	})
}
