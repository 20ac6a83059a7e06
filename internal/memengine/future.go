package memengine

import (
	"sync"
	"sync/atomic"

	"github.com/aalhour/fdb/native"
)

// future implements native.Future. It completes at most once; later
// completions are ignored.
type future struct {
	engine *Engine

	mu        sync.Mutex
	ready     bool
	err       error
	value     []byte
	present   bool
	key       []byte
	kvs       []native.KeyValue
	more      bool
	version   int64
	callbacks []func()

	// onCancel runs once when the future is cancelled before completing.
	onCancel func()
	// done runs once after completion, used to drop the future from its
	// transaction's pending set.
	done func(*future)

	destroyed atomic.Bool
}

var _ native.Future = (*future)(nil)

func newFuture(e *Engine) *future {
	e.liveFutures.Add(1)
	return &future{engine: e}
}

// complete applies set and fires callbacks. It returns false when the
// future was already complete.
func (f *future) complete(set func(*future)) bool {
	f.mu.Lock()
	if f.ready {
		f.mu.Unlock()
		return false
	}
	if set != nil {
		set(f)
	}
	f.ready = true
	cbs := f.callbacks
	f.callbacks = nil
	done := f.done
	f.mu.Unlock()

	if done != nil {
		done(f)
	}
	for _, cb := range cbs {
		cb()
	}
	return true
}

func (f *future) fail(code int) bool {
	return f.complete(func(f *future) { f.err = native.NewError(code) })
}

func (f *future) succeed() bool {
	return f.complete(nil)
}

// OnReady registers cb. It runs inline when the future is already ready.
func (f *future) OnReady(cb func()) {
	f.mu.Lock()
	if !f.ready {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	cb()
}

// IsReady reports whether the future has completed.
func (f *future) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// Cancel completes the future with operation_cancelled on the network
// goroutine, or inline when the network is down.
func (f *future) Cancel() {
	cancel := func() {
		f.mu.Lock()
		onCancel := f.onCancel
		f.onCancel = nil
		f.mu.Unlock()
		if f.fail(native.OperationCancelled) && onCancel != nil {
			onCancel()
		}
	}
	if !f.engine.post(cancel) {
		cancel()
	}
}

// Destroy releases the future. Destroying an unready future cancels it.
func (f *future) Destroy() {
	if f.destroyed.Swap(true) {
		f.engine.doubleDestroys.Add(1)
		return
	}
	f.engine.liveFutures.Add(-1)
	if !f.IsReady() {
		f.Cancel()
	}
}

func (f *future) check() error {
	if f.destroyed.Load() {
		return native.NewError(native.FutureReleased)
	}
	if !f.ready {
		return native.NewError(native.ClientInvalidOperation)
	}
	return f.err
}

// Err returns the completion error.
func (f *future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.check()
}

// Value returns the result of a Get.
func (f *future) Value() ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, false, err
	}
	return f.value, f.present, nil
}

// Key returns the result of a GetKey.
func (f *future) Key() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.key, nil
}

// KeyValues returns one GetRange chunk.
func (f *future) KeyValues() ([]native.KeyValue, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, false, err
	}
	return f.kvs, f.more, nil
}

// Version returns a read version.
func (f *future) Version() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.version, nil
}
