package opusrt

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	pkgbuf "github.com/murmulab/chatpod/pkg/buffer"
)

// DefaultTick is the polling interval used by Stream while the underlying
// buffer has nothing releasable.
const DefaultTick = 10 * time.Millisecond

// Stream wraps a Buffer with a background goroutine that releases packets
// as they become deliverable in sequence order.
//
// Unlike the synchronous Buffer, Stream.Next blocks until a packet is
// released or the stream ends. Held gaps resolve on their own once the
// buffer's window fills or its hold deadline passes, so consumers never
// need to poll.
type Stream struct {
	buf  *Buffer
	out  *pkgbuf.Queue[release]
	tick time.Duration

	closeWrite atomic.Bool
}

type release struct {
	pkt  Packet
	lost int
}

// NewStream creates a Stream over buf and starts its release goroutine.
func NewStream(buf *Buffer) *Stream {
	s := &Stream{
		buf:  buf,
		out:  pkgbuf.NewQueue[release](1024),
		tick: DefaultTick,
	}
	go s.pull()
	return s
}

func (s *Stream) pull() {
	defer s.out.CloseWrite()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		if s.out.Error() != nil {
			return
		}

		pkt, lost, err := s.buf.Next()
		if err != nil {
			// Nothing releasable. Drain is complete once writes have
			// stopped and the buffer is empty; a held tail gap still
			// resolves via the hold deadline.
			if s.closeWrite.Load() && s.buf.Len() == 0 {
				return
			}
			<-ticker.C
			continue
		}

		for {
			err := s.out.Add(release{pkt: pkt, lost: lost})
			if err == nil {
				break
			}
			if !errors.Is(err, pkgbuf.ErrFull) {
				return
			}
			<-ticker.C
		}
	}
}

// Append adds a packet to the stream.
func (s *Stream) Append(p Packet) error {
	if s.closeWrite.Load() {
		return io.ErrClosedPipe
	}
	return s.buf.Append(p)
}

// Next returns the next packet in sequence order.
//
// Returns:
//   - pkt: the released packet
//   - lost: the number of sequence numbers skipped before pkt
//   - err: io.EOF when the stream ends
func (s *Stream) Next() (pkt Packet, lost int, err error) {
	r, err := s.out.Next()
	if err != nil {
		if errors.Is(err, pkgbuf.ErrIteratorDone) {
			return Packet{}, 0, io.EOF
		}
		return Packet{}, 0, err
	}
	return r.pkt, r.lost, nil
}

// Dropped reports packets the underlying buffer discarded before release.
func (s *Stream) Dropped() uint64 { return s.buf.Dropped() }

// Lost reports sequence numbers the underlying buffer skipped at release.
func (s *Stream) Lost() uint64 { return s.buf.Lost() }

// Reset clears the underlying buffer. Packets already released remain
// readable.
func (s *Stream) Reset() {
	s.buf.Reset()
}

// CloseWrite signals that no more packets will be appended. Queued packets
// drain normally, then Next returns io.EOF.
func (s *Stream) CloseWrite() error {
	s.closeWrite.Store(true)
	return nil
}

// Close closes the stream and releases resources.
func (s *Stream) Close() error {
	s.closeWrite.Store(true)
	return s.out.Close()
}

// CloseWithError closes the stream with a specific error.
func (s *Stream) CloseWithError(err error) error {
	s.closeWrite.Store(true)
	return s.out.CloseWithError(err)
}
