package fdb

// future.go implements the bridge from native future handles to typed Futures.

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/aalhour/fdb/native"
)

// Future is the pending result of an asynchronous operation. It completes
// exactly once, either from the engine callback or from cancellation,
// whichever claims it first.
type Future[T any] struct {
	h native.Future

	// onNetwork reports whether the caller is the network goroutine, where
	// a blocking Get would deadlock.
	onNetwork func() bool
	// then post-processes the result before it is published. It runs on
	// whichever goroutine completes the future and must not block.
	then func(T, error) (T, error)

	claimed   atomic.Bool
	destroyed atomic.Bool
	// stop unregisters the scope callback. The callback may run before
	// stop is stored, so it is published atomically.
	stop atomic.Pointer[func() bool]

	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// fromHandle bridges a native future. The handle is destroyed exactly once,
// after the result has been extracted or the future was cancelled. When
// scope ends before the engine completes the handle, the future fails with
// the scope's error.
func fromHandle[T any](h native.Future, extract func(native.Future) (T, error), scope context.Context) *Future[T] {
	f := newFuture[T]()
	f.start(h, extract, scope)
	return f
}

func (f *Future[T]) start(h native.Future, extract func(native.Future) (T, error), scope context.Context) {
	f.h = h
	f.watchScope(scope)
	h.OnReady(func() { f.fire(extract) })
}

// goFuture runs fn on a new goroutine and completes with its result.
func goFuture[T any](scope context.Context, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	f.watchScope(scope)
	go func() {
		v, err := fn()
		f.resolve(v, err)
	}()
	return f
}

// watchScope cancels f when scope ends.
func (f *Future[T]) watchScope(scope context.Context) {
	if scope == nil {
		return
	}
	stop := context.AfterFunc(scope, func() { f.cancelWith(scope.Err()) })
	f.stop.Store(&stop)
	if f.claimed.Load() {
		// Completed before stop was visible to release.
		stop()
	}
}

// failedFuture returns a future that already failed with err.
func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.claimed.Store(true)
	f.finish(zero, err)
	return f
}

// readyFuture returns a future that already holds v.
func readyFuture[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.claimed.Store(true)
	f.finish(v, nil)
	return f
}

func (f *Future[T]) fire(extract func(native.Future) (T, error)) {
	if !f.claimed.CompareAndSwap(false, true) {
		return
	}
	v, err := safeExtract(f.h, extract)
	f.release()
	f.finish(v, fromNative(err))
}

func safeExtract[T any](h native.Future, extract func(native.Future) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, fmt.Errorf("fdb: result extraction panicked: %v", r)
		}
	}()
	return extract(h)
}

func (f *Future[T]) resolve(v T, err error) {
	if !f.claimed.CompareAndSwap(false, true) {
		return
	}
	f.release()
	f.finish(v, err)
}

func (f *Future[T]) cancelWith(err error) {
	if !f.claimed.CompareAndSwap(false, true) {
		return
	}
	if f.h != nil {
		f.h.Cancel()
	}
	f.release()
	var zero T
	f.finish(zero, err)
}

func (f *Future[T]) release() {
	if stop := f.stop.Swap(nil); stop != nil {
		(*stop)()
	}
	if f.h != nil && f.destroyed.CompareAndSwap(false, true) {
		f.h.Destroy()
	}
}

func (f *Future[T]) finish(v T, err error) {
	if f.then != nil {
		v, err = f.then(v, err)
	}
	f.value, f.err = v, err
	close(f.done)
}

// Get blocks until the future completes. It fails with ErrNetworkThread
// instead of blocking the network goroutine.
func (f *Future[T]) Get() (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}
	if f.onNetwork != nil && f.onNetwork() {
		var zero T
		return zero, ErrNetworkThread
	}
	<-f.done
	return f.value, f.err
}

// MustGet is Get that panics on error.
func (f *Future[T]) MustGet() T {
	v, err := f.Get()
	if err != nil {
		panic(err)
	}
	return v
}

// Done is closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsReady reports whether the future has completed.
func (f *Future[T]) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Cancel cancels the operation. It is a no-op once the future completed;
// otherwise Get returns context.Canceled.
func (f *Future[T]) Cancel() {
	f.cancelWith(context.Canceled)
}

// Extractors for the native result kinds.

func extractNil(h native.Future) (struct{}, error) {
	return struct{}{}, h.Err()
}

func extractValue(h native.Future) ([]byte, error) {
	v, present, err := h.Value()
	if err != nil || !present {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func extractKey(h native.Future) ([]byte, error) {
	return h.Key()
}

func extractVersion(h native.Future) (int64, error) {
	return h.Version()
}
