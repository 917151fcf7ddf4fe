// Package buffer provides a generic thread-safe FIFO queue with overflow
// policies and bounded-wait reads, plus a reusable growable byte buffer.
package buffer

import (
	"sync"
	"time"

	"github.com/c360/tsstream/errors"
)

// OverflowPolicy defines how the queue behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the queue is full.
	DropNewest

	// Block causes Write to wait until space is available or the queue closes.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called when an item is dropped due to overflow policy.
type DropCallback[T any] func(item T)

// Queue is a bounded ring-backed FIFO. Readers use Poll to wait a bounded time
// for an item so polling loops can observe shutdown promptly.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	notEmpty *sync.Cond
	notFull  *sync.Cond

	stats   *Statistics
	metrics *queueMetrics
	opts    *queueOptions[T]
}

// NewQueue creates a queue holding at most capacity items.
// Returns an error if metrics registration fails when metrics are requested.
func NewQueue[T any](capacity int, options ...Option[T]) (*Queue[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	opts := applyOptions(options...)

	var metrics *queueMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newQueueMetrics(opts.metricsReg, opts.metricsName)
		if err != nil {
			return nil, errors.WrapTransient(err, "Queue", "NewQueue", "metrics registration")
		}
	}

	q := &Queue[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q, nil
}

// Write appends an item according to the overflow policy.
func (q *Queue[T]) Write(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Queue", "Write", "queue closed")
	}

	if q.size == q.capacity {
		q.stats.overflow()

		switch q.opts.overflowPolicy {
		case DropOldest:
			dropped := q.popLocked()
			q.recordDrop()
			if q.opts.dropCallback != nil {
				defer q.opts.dropCallback(dropped)
			}

		case DropNewest:
			q.recordDrop()
			if q.opts.dropCallback != nil {
				defer q.opts.dropCallback(item)
			}
			return nil

		case Block:
			for q.size == q.capacity && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				return errors.WrapInvalid(errors.ErrAlreadyStopped, "Queue", "Write",
					"queue closed during blocking wait")
			}
		}
	}

	q.items[q.head] = item
	q.head = (q.head + 1) % q.capacity
	q.size++

	q.stats.write(q.size)
	if q.metrics != nil {
		q.metrics.writes.Inc()
		q.metrics.depth.Set(float64(q.size))
	}

	q.notEmpty.Signal()
	return nil
}

// Poll removes the oldest item, waiting up to timeout for one to arrive.
// It returns false on timeout, or when the queue is closed and empty.
func (q *Queue[T]) Poll(timeout time.Duration) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 && !q.closed && timeout > 0 {
		expired := false
		timer := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			expired = true
			q.mu.Unlock()
			q.notEmpty.Broadcast()
		})
		for q.size == 0 && !q.closed && !expired {
			q.notEmpty.Wait()
		}
		timer.Stop()
	}

	if q.size == 0 {
		var zero T
		return zero, false
	}

	item := q.popLocked()
	q.stats.read()
	if q.metrics != nil {
		q.metrics.reads.Inc()
		q.metrics.depth.Set(float64(q.size))
	}
	q.notFull.Signal()
	return item, true
}

// TryRead removes the oldest item without waiting.
func (q *Queue[T]) TryRead() (T, bool) {
	return q.Poll(0)
}

// Drain removes and returns every queued item.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}

	result := make([]T, 0, q.size)
	for q.size > 0 {
		result = append(result, q.popLocked())
	}
	if q.metrics != nil {
		q.metrics.depth.Set(0)
	}
	q.notFull.Broadcast()
	return result
}

// popLocked removes the item at tail. Caller holds mu and has checked size > 0.
func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.items[q.tail]
	q.items[q.tail] = zero
	q.tail = (q.tail + 1) % q.capacity
	q.size--
	return item
}

func (q *Queue[T]) recordDrop() {
	q.stats.drop()
	if q.metrics != nil {
		q.metrics.drops.Inc()
	}
}

// Size returns the current number of queued items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Capacity returns the maximum number of items the queue can hold.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() *Statistics {
	return q.stats
}

// Close rejects further writes and wakes every blocked reader and writer.
// Items already queued remain readable.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	return nil
}

// Closed reports whether Close has been called since the last Reopen.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Reopen discards queued items and accepts writes again, so one queue can serve
// successive connections.
func (q *Queue[T]) Reopen() {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.head, q.tail, q.size = 0, 0, 0
	q.closed = false
	if q.metrics != nil {
		q.metrics.depth.Set(0)
	}
}
