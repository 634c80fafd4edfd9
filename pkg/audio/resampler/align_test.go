package resampler

import (
	"bytes"
	"io"
	"testing"
)

func TestAlignReaderWholeFrames(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	r := newAlignReader(bytes.NewReader(data), 4)

	buf := make([]byte, 8)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 8 || !bytes.Equal(buf[:n], data) {
		t.Fatalf("Read = %d bytes %v, want all of %v", n, buf[:n], data)
	}
}

func TestAlignReaderTruncatesToStride(t *testing.T) {
	r := newAlignReader(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8}), 4)

	// A 6-byte buffer holds one whole frame.
	buf := make([]byte, 6)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 {
		t.Fatalf("Read = %d, want 4", n)
	}

	short := make([]byte, 3)
	if _, err := r.Read(short); err != io.ErrShortBuffer {
		t.Fatalf("short buffer error = %v, want io.ErrShortBuffer", err)
	}
}

func TestAlignReaderHoldsRemainder(t *testing.T) {
	// The source hands out 5 bytes at a time against a stride of 4, so
	// every read leaves one byte behind for the next.
	src := &chunkedReader{data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, chunkSize: 5}
	r := newAlignReader(src, 4)

	buf := make([]byte, 8)
	n, err := r.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("first Read: %v", err)
	}
	if n != 4 || !bytes.Equal(buf[:n], []byte{1, 2, 3, 4}) {
		t.Fatalf("first Read = %d bytes %v", n, buf[:n])
	}

	n, err = r.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("second Read: %v", err)
	}
	if n != 4 || !bytes.Equal(buf[:n], []byte{5, 6, 7, 8}) {
		t.Fatalf("second Read = %d bytes %v", n, buf[:n])
	}
}

func TestAlignReaderMidFrameEOF(t *testing.T) {
	r := newAlignReader(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6}), 4)

	buf := make([]byte, 4)
	if n, err := r.Read(buf); err != nil || n != 4 {
		t.Fatalf("first Read = %d, %v", n, err)
	}
	n, err := r.Read(buf)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("mid-frame end error = %v, want io.ErrUnexpectedEOF", err)
	}
	if n != 2 {
		t.Fatalf("mid-frame end = %d bytes, want 2", n)
	}
}

func TestAlignReaderEmptySource(t *testing.T) {
	r := newAlignReader(bytes.NewReader(nil), 4)
	n, err := r.Read(make([]byte, 8))
	if err != io.EOF || n != 0 {
		t.Fatalf("Read = %d, %v, want 0, io.EOF", n, err)
	}
}

// chunkedReader hands out data in fixed-size chunks regardless of the
// buffer size it is offered.
type chunkedReader struct {
	data      []byte
	pos       int
	chunkSize int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := r.pos + r.chunkSize
	if end > len(r.data) {
		end = len(r.data)
	}
	if end > r.pos+len(p) {
		end = r.pos + len(p)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	if r.pos >= len(r.data) {
		return n, io.EOF
	}
	return n, nil
}
