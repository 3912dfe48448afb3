package engine

import (
	"fmt"

	"github.com/quellops/quell/metrics"
	"github.com/quellops/quell/store"
)

// DefaultQueueCapacity bounds pending runs.
const DefaultQueueCapacity = 100

// BackpressureError reports a full run queue.
type BackpressureError struct {
	Capacity int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("run queue full (capacity %d)", e.Capacity)
}

// Queue is a bounded FIFO of pending runs.
type Queue struct {
	ch chan *store.Run
}

// NewQueue creates a queue; capacity <= 0 uses the default.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan *store.Run, capacity)}
}

// TryEnqueue adds a run without blocking. Returns BackpressureError when
// the queue is full.
func (q *Queue) TryEnqueue(run *store.Run) error {
	select {
	case q.ch <- run:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		return &BackpressureError{Capacity: cap(q.ch)}
	}
}

// Chan exposes the receive side for workers. Receivers must call Taken
// after each receive to keep the depth gauge honest.
func (q *Queue) Chan() <-chan *store.Run {
	return q.ch
}

// Taken updates the depth gauge after a receive.
func (q *Queue) Taken() {
	metrics.QueueDepth.Set(float64(len(q.ch)))
}

// Len returns the number of queued runs.
func (q *Queue) Len() int {
	return len(q.ch)
}
