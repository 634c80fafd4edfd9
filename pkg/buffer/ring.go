package buffer

import (
	"fmt"
	"io"
	"sync"
)

// Ring is a thread-safe bounded FIFO queue that evicts the oldest element
// when a write arrives at capacity. Evictions are counted and retrievable
// through Dropped, so the owner can log how much the consumer fell behind.
//
// The playback side of the pipeline uses a Ring: when the network outruns
// the audio device, old frames are shed to bound latency instead of growing
// the queue without limit.
type Ring[T any] struct {
	writeNotify chan struct{}

	mu         sync.Mutex
	cap        int
	closeWrite bool
	closeErr   error
	dropped    uint64
	buf        []T
}

// NewRing creates a Ring holding at most capacity elements. Capacity must be
// at least 1; smaller values are raised to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		writeNotify: make(chan struct{}, 1),
		cap:         capacity,
		buf:         make([]T, 0, capacity),
	}
}

// Add appends one element, evicting the oldest first when the ring is full.
// It reports whether an eviction happened. Closed rings reject the write.
func (r *Ring[T]) Add(t T) (evicted bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr != nil {
		return false, fmt.Errorf("buffer: add to closed ring: %w", r.closeErr)
	}
	if r.closeWrite {
		return false, fmt.Errorf("buffer: add to closed ring: %w", io.ErrClosedPipe)
	}
	if len(r.buf) >= r.cap {
		r.buf = r.buf[1:]
		r.dropped++
		evicted = true
	}
	r.buf = append(r.buf, t)
	select {
	case r.writeNotify <- struct{}{}:
	default:
	}
	return evicted, nil
}

// Next removes and returns the oldest element, blocking like Queue.Next.
func (r *Ring[T]) Next() (t T, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf) == 0 {
		if r.closeErr != nil {
			err = fmt.Errorf("buffer: next from closed ring: %w", r.closeErr)
			return
		}
		if r.closeWrite {
			err = ErrIteratorDone
			return
		}
		r.mu.Unlock()
		<-r.writeNotify
		r.mu.Lock()
	}
	if r.closeErr != nil {
		err = fmt.Errorf("buffer: next from closed ring: %w", r.closeErr)
		return
	}
	t = r.buf[0]
	r.buf = r.buf[1:]
	return
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Snapshot returns a copy of the queued elements, oldest first, without
// consuming them. Display surfaces use it to show the most recent window.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.buf))
	copy(out, r.buf)
	return out
}

// Dropped returns the total number of elements evicted by Add since the ring
// was created. Reset does not clear the counter.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset discards all queued elements without counting them as dropped. The
// barge-in flush path uses Reset to empty playback immediately.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
}

// CloseWrite closes the write side; queued elements drain, then Next returns
// ErrIteratorDone.
func (r *Ring[T]) CloseWrite() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeWrite {
		return nil
	}
	r.closeWrite = true
	close(r.writeNotify)
	return nil
}

// CloseWithError closes both sides immediately with err (io.ErrClosedPipe if
// nil). Only the first close error sticks.
func (r *Ring[T]) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr != nil {
		return nil
	}
	r.closeErr = err
	r.buf = nil
	if !r.closeWrite {
		r.closeWrite = true
		close(r.writeNotify)
	}
	return nil
}

// Close closes the ring with io.ErrClosedPipe. Implements io.Closer.
func (r *Ring[T]) Close() error {
	return r.CloseWithError(io.ErrClosedPipe)
}

// Error returns the error passed to CloseWithError, or nil.
func (r *Ring[T]) Error() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeErr
}
