package fdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/fdb/native"
)

// stubFuture is a native.Future completed by the test.
type stubFuture struct {
	mu        sync.Mutex
	cb        func()
	ready     bool
	err       error
	cancels   atomic.Int32
	destroys  atomic.Int32
	extracted atomic.Int32
}

func (s *stubFuture) OnReady(cb func()) {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		cb()
		return
	}
	s.cb = cb
	s.mu.Unlock()
}

func (s *stubFuture) complete(err error) {
	s.mu.Lock()
	s.ready, s.err = true, err
	cb := s.cb
	s.cb = nil
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *stubFuture) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *stubFuture) Cancel()  { s.cancels.Add(1) }
func (s *stubFuture) Destroy() { s.destroys.Add(1) }

func (s *stubFuture) Err() error {
	s.extracted.Add(1)
	return s.err
}

func (s *stubFuture) Value() ([]byte, bool, error)                { return nil, false, s.err }
func (s *stubFuture) Key() ([]byte, error)                        { return nil, s.err }
func (s *stubFuture) KeyValues() ([]native.KeyValue, bool, error) { return nil, false, s.err }
func (s *stubFuture) Version() (int64, error)                     { return 0, s.err }

func TestFutureCompletesFromHandle(t *testing.T) {
	h := &stubFuture{}
	f := fromHandle(h, extractNil, context.Background())
	assert.False(t, f.IsReady())

	h.complete(nil)
	_, err := f.Get()
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.destroys.Load())
	assert.EqualValues(t, 0, h.cancels.Load())
}

func TestFutureConvertsNativeErrors(t *testing.T) {
	h := &stubFuture{}
	f := fromHandle(h, extractNil, nil)
	h.complete(native.NewError(native.NotCommitted))

	_, err := f.Get()
	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, native.NotCommitted, fe.Code)
}

func TestFutureScopeCancellation(t *testing.T) {
	h := &stubFuture{}
	ctx, cancel := context.WithCancel(context.Background())
	f := fromHandle(h, extractNil, ctx)

	cancel()
	<-f.Done()
	_, err := f.Get()
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, h.cancels.Load())
	assert.EqualValues(t, 1, h.destroys.Load())

	// A late completion is ignored and never extracts.
	h.complete(nil)
	assert.EqualValues(t, 0, h.extracted.Load())
	assert.EqualValues(t, 1, h.destroys.Load())
}

func TestFutureDeadline(t *testing.T) {
	h := &stubFuture{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := fromHandle(h, extractNil, ctx).Get()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureCompletionRaceHasOneWinner(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := &stubFuture{}
		ctx, cancel := context.WithCancel(context.Background())
		f := fromHandle(h, extractNil, ctx)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); h.complete(nil) }()
		go func() { defer wg.Done(); cancel() }()
		wg.Wait()

		_, err := f.Get()
		if err != nil {
			require.ErrorIs(t, err, context.Canceled)
			require.EqualValues(t, 0, h.extracted.Load())
		} else {
			require.EqualValues(t, 1, h.extracted.Load())
		}
		require.EqualValues(t, 1, h.destroys.Load())
	}
}

func TestFutureExtractPanic(t *testing.T) {
	h := &stubFuture{}
	f := fromHandle(h, func(native.Future) (int, error) { panic("bad handle") }, nil)
	h.complete(nil)
	_, err := f.Get()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.EqualValues(t, 1, h.destroys.Load())
}

func TestFutureGetOnNetworkThread(t *testing.T) {
	h := &stubFuture{}
	f := fromHandle(h, extractNil, nil)
	f.onNetwork = func() bool { return true }

	_, err := f.Get()
	assert.ErrorIs(t, err, ErrNetworkThread)

	h.complete(nil)
	_, err = f.Get()
	assert.NoError(t, err, "a completed future never blocks")
}

func TestFutureThenHook(t *testing.T) {
	h := &stubFuture{}
	f := newFuture[struct{}]()
	var seen error
	f.then = func(v struct{}, err error) (struct{}, error) {
		seen = err
		return v, errors.New("rewritten")
	}
	f.start(h, extractNil, nil)
	h.complete(nil)

	_, err := f.Get()
	assert.NoError(t, seen)
	assert.EqualError(t, err, "rewritten")
}

func TestReadyAndFailedFutures(t *testing.T) {
	v, err := readyFuture(42).Get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	f := failedFuture[int](boom)
	assert.True(t, f.IsReady())
	_, err = f.Get()
	assert.ErrorIs(t, err, boom)
	assert.Panics(t, func() { f.MustGet() })
}

func TestFutureScopeAlreadyCanceled(t *testing.T) {
	for i := 0; i < 100; i++ {
		h := &stubFuture{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		f := fromHandle(h, extractNil, ctx)
		<-f.Done()
		_, err := f.Get()
		require.ErrorIs(t, err, context.Canceled)
		require.EqualValues(t, 1, h.destroys.Load())
	}
}

func TestGoFutureScopeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)
	f := goFuture(ctx, func() (int, error) {
		<-release
		return 1, nil
	})

	cancel()
	_, err := f.Get()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFutureCompletionUnregistersScope(t *testing.T) {
	h := &stubFuture{}
	ctx, cancel := context.WithCancel(context.Background())
	f := fromHandle(h, extractNil, ctx)
	h.complete(nil)
	_, err := f.Get()
	require.NoError(t, err)

	cancel()
	assert.Nil(t, f.stop.Load())
	assert.EqualValues(t, 0, h.cancels.Load())
	_, err = f.Get()
	assert.NoError(t, err)
}

func TestFutureConcurrentDeadlines(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := &stubFuture{}
			ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
			defer cancel()
			_, err := fromHandle(h, extractNil, ctx).Get()
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.EqualValues(t, 1, h.destroys.Load())
		}()
	}
	wg.Wait()
}
