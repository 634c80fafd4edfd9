package opusrt

import (
	"container/heap"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWindow is the number of out-of-order packets held back while
	// waiting for a missing sequence to arrive.
	DefaultWindow = 16

	// DefaultHold caps how long a missing sequence may stall release.
	DefaultHold = 60 * time.Millisecond

	// DefaultCap bounds the total packets a Buffer will hold.
	DefaultCap = 1024
)

// ErrStalePacket is returned when a packet arrives with a sequence number
// that has already been released.
var ErrStalePacket = errors.New("opusrt: stale packet")

// Packet is one encoded audio frame tagged with its stream sequence number.
type Packet struct {
	Seq     uint32
	Payload []byte
}

// Buffer is a jitter buffer that reorders out-of-order packets based on
// their sequence numbers.
//
// It uses a min-heap to maintain packets sorted by sequence. A missing
// sequence stalls release until either Window packets are queued behind it
// or Hold has elapsed; the skipped range is then reported as lost so the
// decoder can conceal it.
//
// Sequence numbers are expected to increase monotonically from the start
// of a stream; wraparound is not handled.
type Buffer struct {
	// Window is the maximum number of packets held back while waiting for
	// a gap to fill. Zero means DefaultWindow.
	Window int

	// Hold is the maximum time the head gap may stall release.
	// Zero means DefaultHold.
	Hold time.Duration

	// Cap bounds the total packets held. The oldest packets are trimmed
	// when it is exceeded. Zero means DefaultCap.
	Cap int

	mu       sync.Mutex
	heap     packetHeap
	next     uint32 // next sequence to release
	primed   bool
	gapSince time.Time
	dropped  uint64
	lost     uint64
}

// packetHeap implements heap.Interface ordered by sequence number.
type packetHeap []Packet

func (h packetHeap) Len() int           { return len(h) }
func (h packetHeap) Less(i, j int) bool { return h[i].Seq < h[j].Seq }
func (h packetHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *packetHeap) Push(x interface{}) {
	*h = append(*h, x.(Packet))
}

func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = Packet{} // avoid memory leak
	*h = old[:n-1]
	return x
}

// NewBuffer creates a jitter buffer with the specified reorder window.
// A window of zero or less uses DefaultWindow.
func NewBuffer(window int) *Buffer {
	return &Buffer{Window: window}
}

func (b *Buffer) window() int {
	if b.Window <= 0 {
		return DefaultWindow
	}
	return b.Window
}

func (b *Buffer) hold() time.Duration {
	if b.Hold <= 0 {
		return DefaultHold
	}
	return b.Hold
}

func (b *Buffer) capacity() int {
	if b.Cap <= 0 {
		return DefaultCap
	}
	return b.Cap
}

// Append adds a packet to the buffer.
//
// Packets can arrive out of order; the buffer will reorder them.
// Returns ErrStalePacket if the packet's sequence has already been
// released. Duplicates of still-queued packets are accepted and
// discarded at release time.
func (b *Buffer) Append(p Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.primed && p.Seq < b.next {
		b.dropped++
		slog.Debug("opusrt: drop stale packet",
			"seq", p.Seq,
			"next", b.next)
		return ErrStalePacket
	}

	heap.Push(&b.heap, p)

	// Trim the oldest packets if the buffer exceeds its capacity.
	for b.heap.Len() > b.capacity() {
		trimmed := heap.Pop(&b.heap).(Packet)
		b.dropped++
		slog.Debug("opusrt: trim packet",
			"seq", trimmed.Seq,
			"cap", b.capacity())
	}

	return nil
}

// Next returns the next packet in sequence order without blocking.
//
// Returns:
//   - pkt: the released packet
//   - lost: the number of sequence numbers skipped before pkt
//   - err: io.EOF when no packet is releasable yet
func (b *Buffer) Next() (pkt Packet, lost int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.heap.Len() > 0 {
		top := b.heap[0]

		if !b.primed {
			b.primed = true
			b.next = top.Seq
		}

		// Duplicate of an already released sequence.
		if top.Seq < b.next {
			heap.Pop(&b.heap)
			b.dropped++
			slog.Debug("opusrt: drop duplicate packet",
				"seq", top.Seq,
				"next", b.next)
			continue
		}

		if top.Seq == b.next {
			heap.Pop(&b.heap)
			b.next++
			b.gapSince = time.Time{}
			return top, 0, nil
		}

		// Head gap. Give up on the missing range once the reorder window
		// fills or the hold deadline passes.
		if b.heap.Len() >= b.window() || b.holdExpired() {
			skipped := int(top.Seq - b.next)
			heap.Pop(&b.heap)
			b.next = top.Seq + 1
			b.gapSince = time.Time{}
			b.lost += uint64(skipped)
			slog.Debug("opusrt: skip gap",
				"lost", skipped,
				"seq", top.Seq)
			return top, skipped, nil
		}
		if b.gapSince.IsZero() {
			b.gapSince = time.Now()
		}
		return Packet{}, 0, io.EOF
	}
	return Packet{}, 0, io.EOF
}

func (b *Buffer) holdExpired() bool {
	return !b.gapSince.IsZero() && time.Since(b.gapSince) >= b.hold()
}

// Len returns the number of packets in the buffer.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heap.Len()
}

// Dropped returns the cumulative count of packets discarded before release:
// stale arrivals, duplicates, and capacity trims.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Lost returns the cumulative count of sequence numbers skipped at release.
func (b *Buffer) Lost() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lost
}

// Reset clears all packets and ordering state. The Dropped and Lost
// counters are preserved.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heap = nil
	b.next = 0
	b.primed = false
	b.gapSince = time.Time{}
}
