// Package async provides a bounded, ordered producer/consumer buffer that
// transforms items concurrently while delivering results in submission
// order.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrQueueCompleted is returned when posting to a queue after
	// OnCompleted or OnError, or when completing it twice.
	ErrQueueCompleted = errors.New("async: queue already completed")

	// ErrConcurrentReceive is returned when a second consumer waits while
	// another is already parked.
	ErrConcurrentReceive = errors.New("async: another consumer is already waiting")
)

// Result is one item delivered by a queue: a value, a failure, or the end
// marker.
type Result[T any] struct {
	Value T
	Err   error
	// End marks the completion of the stream. Value and Err are unset.
	End bool
}

// HasValue reports whether r carries a value.
func (r Result[T]) HasValue() bool {
	return !r.End && r.Err == nil
}

// TransformError is the failure of the transform of one item.
type TransformError struct {
	// Seq is the 0-based submission index of the item.
	Seq uint64
	Err error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("async: transform of item %d: %v", e.Seq, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

type slot[T any] struct {
	finished bool
	result   Result[T]
}

// TransformQueue runs a transform on every posted item concurrently and
// hands the results to a single consumer in the order the items were
// posted. At most Capacity items are outstanding; OnNext blocks beyond
// that until the consumer drains one.
type TransformQueue[In, Out any] struct {
	transform func(ctx context.Context, in In) (Out, error)
	capacity  int

	mu        sync.Mutex
	slots     []*slot[Out]
	seq       uint64
	producers []chan struct{}
	reserved  int
	consumer  chan struct{}
	done      bool
}

// NewTransformQueue returns a queue running transform with at most
// capacity outstanding items. It panics if capacity < 1.
func NewTransformQueue[In, Out any](capacity int, transform func(ctx context.Context, in In) (Out, error)) *TransformQueue[In, Out] {
	if capacity < 1 {
		panic("async: capacity must be greater than zero")
	}
	if transform == nil {
		panic("async: nil transform")
	}
	return &TransformQueue[In, Out]{
		transform: transform,
		capacity:  capacity,
	}
}

// Capacity returns the maximum number of outstanding items.
func (q *TransformQueue[In, Out]) Capacity() int {
	return q.capacity
}

// Count returns the number of queued items, finished or not.
func (q *TransformQueue[In, Out]) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}

// IsProducerBlocked reports whether a producer is parked on a full queue.
func (q *TransformQueue[In, Out]) IsProducerBlocked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.producers) > 0
}

// IsConsumerBlocked reports whether the consumer is parked.
func (q *TransformQueue[In, Out]) IsConsumerBlocked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumer != nil
}

// OnNext posts v. The transform starts on its own goroutine with ctx. When
// the queue is full OnNext blocks until an item is received or ctx ends.
// Blocked producers are admitted in arrival order.
func (q *TransformQueue[In, Out]) OnNext(ctx context.Context, v In) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return ErrQueueCompleted
	}
	if len(q.producers) == 0 && len(q.slots)+q.reserved < q.capacity {
		s, seq := q.pushLocked()
		q.mu.Unlock()
		go q.run(ctx, s, seq, v)
		return nil
	}
	wait := make(chan struct{})
	q.producers = append(q.producers, wait)
	q.mu.Unlock()

	select {
	case <-wait:
		return q.admit(ctx, v)
	case <-ctx.Done():
		q.mu.Lock()
		if !q.dropProducerLocked(wait) {
			// Woken concurrently: give the reserved room to the next one.
			q.reserved--
			q.wakeProducersLocked()
		}
		q.mu.Unlock()
		return ctx.Err()
	}
}

// admit enqueues v into the room reserved for a woken producer.
func (q *TransformQueue[In, Out]) admit(ctx context.Context, v In) error {
	q.mu.Lock()
	q.reserved--
	if q.done {
		q.mu.Unlock()
		return ErrQueueCompleted
	}
	s, seq := q.pushLocked()
	q.mu.Unlock()
	go q.run(ctx, s, seq, v)
	return nil
}

// OnNextBatch posts every item of vs in order.
func (q *TransformQueue[In, Out]) OnNextBatch(ctx context.Context, vs []In) error {
	for _, v := range vs {
		if err := q.OnNext(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// OnCompleted ends the stream. The consumer receives the end marker after
// every posted item.
func (q *TransformQueue[In, Out]) OnCompleted() error {
	return q.complete(Result[Out]{End: true})
}

// OnError ends the stream with err. The consumer receives err after every
// posted item.
func (q *TransformQueue[In, Out]) OnError(err error) error {
	if err == nil {
		return errors.New("async: OnError with nil error")
	}
	return q.complete(Result[Out]{Err: err})
}

func (q *TransformQueue[In, Out]) complete(r Result[Out]) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return ErrQueueCompleted
	}
	q.done = true
	q.slots = append(q.slots, &slot[Out]{finished: true, result: r})
	if len(q.slots) == 1 {
		q.wakeConsumerLocked()
	}
	// Parked producers can no longer post.
	q.wakeProducersLocked()
	return nil
}

func (q *TransformQueue[In, Out]) pushLocked() (*slot[Out], uint64) {
	s := &slot[Out]{}
	seq := q.seq
	q.seq++
	q.slots = append(q.slots, s)
	return s, seq
}

func (q *TransformQueue[In, Out]) run(ctx context.Context, s *slot[Out], seq uint64, v In) {
	out, err := q.safeTransform(ctx, v)
	r := Result[Out]{Value: out}
	if err != nil {
		r = Result[Out]{Err: &TransformError{Seq: seq, Err: err}}
	}

	q.mu.Lock()
	s.finished = true
	s.result = r
	if len(q.slots) > 0 && q.slots[0] == s {
		q.wakeConsumerLocked()
	}
	q.mu.Unlock()
}

func (q *TransformQueue[In, Out]) safeTransform(ctx context.Context, v In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero Out
			out, err = zero, errors.Errorf("transform panicked: %v", r)
		}
	}()
	return q.transform(ctx, v)
}

func (q *TransformQueue[In, Out]) popLocked() Result[Out] {
	s := q.slots[0]
	q.slots[0] = nil
	q.slots = q.slots[1:]
	return s.result
}

func (q *TransformQueue[In, Out]) wakeConsumerLocked() {
	if q.consumer != nil {
		close(q.consumer)
		q.consumer = nil
	}
}

// wakeProducersLocked releases parked producers in arrival order while
// there is unreserved room, or all of them once the queue is done.
func (q *TransformQueue[In, Out]) wakeProducersLocked() {
	for len(q.producers) > 0 && (q.done || len(q.slots)+q.reserved < q.capacity) {
		close(q.producers[0])
		q.producers[0] = nil
		q.producers = q.producers[1:]
		q.reserved++
	}
}

func (q *TransformQueue[In, Out]) dropProducerLocked(wait chan struct{}) bool {
	for i, w := range q.producers {
		if w == wait {
			q.producers = append(q.producers[:i], q.producers[i+1:]...)
			return true
		}
	}
	return false
}

// parkConsumerLocked registers the consumer waiter. The caller must unlock
// and then wait on the returned channel.
func (q *TransformQueue[In, Out]) parkConsumerLocked() (chan struct{}, error) {
	if q.consumer != nil {
		return nil, ErrConcurrentReceive
	}
	q.consumer = make(chan struct{})
	return q.consumer, nil
}

func (q *TransformQueue[In, Out]) waitConsumer(ctx context.Context, wait chan struct{}) error {
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		if q.consumer == wait {
			q.consumer = nil
		}
		q.mu.Unlock()
		return ctx.Err()
	}
}

// Receive returns the next result in submission order, waiting for its
// transform to finish. Once the stream ended and every item was received
// it returns the end marker. The error is only set when ctx ends or
// another consumer is already waiting.
func (q *TransformQueue[In, Out]) Receive(ctx context.Context) (Result[Out], error) {
	for {
		if err := ctx.Err(); err != nil {
			return Result[Out]{}, err
		}
		q.mu.Lock()
		if len(q.slots) > 0 && q.slots[0].finished {
			r := q.popLocked()
			q.wakeProducersLocked()
			q.mu.Unlock()
			return r, nil
		}
		if len(q.slots) == 0 && q.done {
			q.mu.Unlock()
			return Result[Out]{End: true}, nil
		}
		wait, err := q.parkConsumerLocked()
		q.mu.Unlock()
		if err != nil {
			return Result[Out]{}, err
		}
		if err := q.waitConsumer(ctx, wait); err != nil {
			return Result[Out]{}, err
		}
	}
}

// ReceiveBatch returns up to max finished results from the head of the
// queue, stopping after the end marker. It waits until at least one result
// is available.
func (q *TransformQueue[In, Out]) ReceiveBatch(ctx context.Context, max int) ([]Result[Out], error) {
	if max < 1 {
		max = 1
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		var out []Result[Out]
		for len(out) < max && len(q.slots) > 0 && q.slots[0].finished {
			r := q.popLocked()
			out = append(out, r)
			if r.End {
				break
			}
		}
		if len(out) > 0 {
			q.wakeProducersLocked()
			q.mu.Unlock()
			return out, nil
		}
		if len(q.slots) == 0 && q.done {
			q.mu.Unlock()
			return []Result[Out]{{End: true}}, nil
		}
		wait, err := q.parkConsumerLocked()
		q.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if err := q.waitConsumer(ctx, wait); err != nil {
			return nil, err
		}
	}
}
