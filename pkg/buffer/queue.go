package buffer

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrIteratorDone is returned by Next when the queue is closed for writing
// and all remaining elements have been consumed.
var ErrIteratorDone = errors.New("iterator done")

// ErrFull is returned by Queue.Add when the queue holds Cap elements.
var ErrFull = errors.New("queue full")

// Queue is a thread-safe bounded FIFO queue. Add rejects writes with ErrFull
// once the capacity is reached; it never blocks the producer and never drops
// an accepted element.
//
// Consumers call Next, which blocks until an element is available or the
// queue is closed. A closed-for-writing queue drains normally and then
// reports ErrIteratorDone.
type Queue[T any] struct {
	writeNotify chan struct{}

	mu         sync.Mutex
	cap        int
	closeWrite bool
	closeErr   error
	buf        []T
}

// NewQueue creates a Queue holding at most capacity elements. A capacity of
// zero or less means unbounded.
func NewQueue[T any](capacity int) *Queue[T] {
	n := capacity
	if n < 0 {
		n = 0
	}
	return &Queue[T]{
		writeNotify: make(chan struct{}, 1),
		cap:         capacity,
		buf:         make([]T, 0, n),
	}
}

// Add appends one element. It returns ErrFull when the queue is at capacity,
// io.ErrClosedPipe (wrapped) when the queue is closed for writing, or the
// close error when the queue was closed with CloseWithError.
func (q *Queue[T]) Add(t T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeErr != nil {
		return fmt.Errorf("buffer: add to closed queue: %w", q.closeErr)
	}
	if q.closeWrite {
		return fmt.Errorf("buffer: add to closed queue: %w", io.ErrClosedPipe)
	}
	if q.cap > 0 && len(q.buf) >= q.cap {
		return ErrFull
	}
	q.buf = append(q.buf, t)
	select {
	case q.writeNotify <- struct{}{}:
	default:
	}
	return nil
}

// Next removes and returns the oldest element. It blocks until an element is
// available, the queue is closed for writing (ErrIteratorDone once drained),
// or the queue is closed with an error.
func (q *Queue[T]) Next() (t T, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 {
		if q.closeErr != nil {
			err = fmt.Errorf("buffer: next from closed queue: %w", q.closeErr)
			return
		}
		if q.closeWrite {
			err = ErrIteratorDone
			return
		}
		q.mu.Unlock()
		<-q.writeNotify
		q.mu.Lock()
	}
	if q.closeErr != nil {
		err = fmt.Errorf("buffer: next from closed queue: %w", q.closeErr)
		return
	}
	t = q.buf[0]
	q.buf = q.buf[1:]
	return
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Reset discards all queued elements. It does not reopen a closed queue.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = q.buf[:0]
}

// CloseWrite closes the write side. Queued elements remain readable; once
// drained, Next returns ErrIteratorDone. Safe to call more than once.
func (q *Queue[T]) CloseWrite() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeWrite {
		return nil
	}
	q.closeWrite = true
	close(q.writeNotify)
	return nil
}

// CloseWithError closes both sides immediately. Pending and future calls
// fail with err (io.ErrClosedPipe if nil). Only the first close error sticks.
func (q *Queue[T]) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeErr != nil {
		return nil
	}
	q.closeErr = err
	q.buf = nil
	if !q.closeWrite {
		q.closeWrite = true
		close(q.writeNotify)
	}
	return nil
}

// Close closes the queue with io.ErrClosedPipe. Implements io.Closer.
func (q *Queue[T]) Close() error {
	return q.CloseWithError(io.ErrClosedPipe)
}

// Error returns the error passed to CloseWithError, or nil.
func (q *Queue[T]) Error() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeErr
}
