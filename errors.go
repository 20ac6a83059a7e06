package fdb

// errors.go implements engine errors and transaction state errors.

import (
	"errors"
	"fmt"

	"github.com/aalhour/fdb/native"
)

// Error is an error reported by the engine. Code is one of the native
// error codes.
type Error struct {
	Code int
}

func (e *Error) Error() string {
	return fmt.Sprintf("fdb: %s (%d)", native.Describe(e.Code), e.Code)
}

// Retryable reports whether OnError retries this error.
func (e *Error) Retryable() bool {
	return native.IsRetryable(e.Code)
}

// MaybeCommitted reports whether the transaction may have committed even
// though the commit returned this error.
func (e *Error) MaybeCommitted() bool {
	return native.MaybeCommitted(e.Code)
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.Code == e.Code
}

var (
	// ErrTransactionCommitted is returned for operations on a committed
	// transaction that require it to be ready.
	ErrTransactionCommitted = errors.New("fdb: transaction has already been committed")

	// ErrTransactionCanceled is returned for operations on a canceled
	// transaction.
	ErrTransactionCanceled = errors.New("fdb: transaction has been canceled")

	// ErrTransactionFailed is returned for operations on a transaction whose
	// commit failed and that was not reset.
	ErrTransactionFailed = errors.New("fdb: transaction is in a failed state and must be reset")

	// ErrTransactionDisposed is returned for any operation on a disposed
	// transaction.
	ErrTransactionDisposed = errors.New("fdb: transaction has been disposed")

	// ErrTransactionNotReady is returned while a transaction is still being
	// initialized.
	ErrTransactionNotReady = errors.New("fdb: transaction is not ready")

	// ErrCommitInProgress is returned when Commit is called while another
	// commit of the same transaction is pending.
	ErrCommitInProgress = errors.New("fdb: transaction is already committing")

	// ErrReadOnly is returned for writes on a read-only transaction.
	ErrReadOnly = errors.New("fdb: transaction is read-only")

	// ErrNetworkThread is returned when a blocking operation is attempted
	// from the network goroutine.
	ErrNetworkThread = errors.New("fdb: cannot block on the network thread")

	// ErrNotRegistered is returned when the owning database no longer
	// tracks the transaction, e.g. after Database.Close.
	ErrNotRegistered = errors.New("fdb: transaction is no longer valid for its database")

	// ErrDatabaseClosed is returned by a closed database.
	ErrDatabaseClosed = errors.New("fdb: database is closed")
)

// stateError returns the error for an operation that needs StateReady.
func stateError(s State) error {
	switch s {
	case StateCommitted:
		return ErrTransactionCommitted
	case StateCanceled:
		return ErrTransactionCanceled
	case StateFailed:
		return ErrTransactionFailed
	case StateDisposed:
		return ErrTransactionDisposed
	case StateInit:
		return ErrTransactionNotReady
	}
	return nil
}

// fromNative converts an engine error to *Error. Other errors pass through.
func fromNative(err error) error {
	if err == nil {
		return nil
	}
	var ne *native.Error
	if errors.As(err, &ne) {
		return &Error{Code: ne.Code}
	}
	return err
}

// IsRetryable reports whether err is an *Error that OnError retries.
func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Retryable()
}

// ErrorCode returns the native code of err, or -1 when err is not an
// *Error.
func ErrorCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return -1
}
