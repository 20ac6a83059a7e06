package fdb

// watch.go implements key watches.

import (
	"context"
)

// Watch completes when its key changes after the watching transaction
// commits. It outlives the transaction and must be cancelled or waited on.
type Watch struct {
	f *Future[struct{}]
}

// Watch registers a watch on key. The watch becomes active when the
// transaction commits; if the transaction fails instead, the watch fails
// with the same error.
func (tx *Transaction) Watch(key []byte) *Watch {
	if err := tx.checkRead(); err != nil {
		return &Watch{f: failedFuture[struct{}](err)}
	}
	if err := tx.db.checkKey(key, tx.systemKeys.Load(), false); err != nil {
		return &Watch{f: failedFuture[struct{}](err)}
	}
	f := newFuture[struct{}]()
	f.onNetwork = tx.db.engine.OnNetworkThread
	f.start(tx.h.Watch(key), extractNil, nil)
	return &Watch{f: f}
}

// Get blocks until the key changes or the watch fails.
func (w *Watch) Get() error {
	_, err := w.f.Get()
	return err
}

// Wait is Get bounded by ctx. It does not cancel the watch when ctx ends.
func (w *Watch) Wait(ctx context.Context) error {
	select {
	case <-w.f.Done():
		return w.f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the watch completes.
func (w *Watch) Done() <-chan struct{} {
	return w.f.Done()
}

// IsReady reports whether the watch has completed.
func (w *Watch) IsReady() bool {
	return w.f.IsReady()
}

// Cancel stops the watch. Waiters receive context.Canceled.
func (w *Watch) Cancel() {
	w.f.Cancel()
}
