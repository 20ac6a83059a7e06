package fdb

// transactional.go implements the retry loops for transactional functions.

import (
	"context"
	"errors"
)

// ReadWrite runs fn in a read-write transaction and commits it, retrying
// on retryable engine errors. fn may run more than once and must not have
// side effects outside the transaction. Errors that are not *Error, such
// as state errors or cancellation, end the loop and are returned as is.
func ReadWrite[T any](ctx context.Context, db *Database, fn func(tx *Transaction) (T, error)) (T, error) {
	return run(ctx, db, ModeReadWrite, true, fn)
}

// Read runs fn in a read-only transaction, retrying like ReadWrite.
func Read[T any](ctx context.Context, db *Database, fn func(tx ReadTransaction) (T, error)) (T, error) {
	return run(ctx, db, ModeReadOnly, false, func(tx *Transaction) (T, error) {
		return fn(tx)
	})
}

// Write is ReadWrite for functions without a result.
func Write(ctx context.Context, db *Database, fn func(tx *Transaction) error) error {
	_, err := run(ctx, db, ModeReadWrite, true, func(tx *Transaction) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

func run[T any](ctx context.Context, db *Database, mode Mode, commit bool, fn func(tx *Transaction) (T, error)) (T, error) {
	var zero T
	tx, err := db.CreateTransaction(ctx, mode)
	if err != nil {
		return zero, err
	}
	defer func() { _ = tx.Dispose() }()

	for {
		v, err := fn(tx)
		if err == nil && commit {
			_, err = tx.Commit().Get()
		}
		if err == nil {
			return v, nil
		}
		var fe *Error
		if !errors.As(err, &fe) {
			return zero, err
		}
		if _, rerr := tx.OnError(fe).Get(); rerr != nil {
			return zero, rerr
		}
	}
}
