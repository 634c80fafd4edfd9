package resampler

import "io"

// alignReader keeps reads from an arbitrary byte stream aligned to whole
// sample frames. Bytes left over from an unaligned source read are held
// back and prepended to the next read.
type alignReader struct {
	r      io.Reader
	stride int

	held []byte // at most stride-1 bytes
}

func newAlignReader(r io.Reader, stride int) *alignReader {
	return &alignReader{
		r:      r,
		stride: stride,
		held:   make([]byte, 0, stride-1),
	}
}

// Read returns a multiple of stride bytes, or io.ErrShortBuffer when p
// cannot hold even one frame. A source that ends mid-frame yields
// io.ErrUnexpectedEOF.
func (ar *alignReader) Read(p []byte) (int, error) {
	if len(p) < ar.stride {
		return 0, io.ErrShortBuffer
	}
	p = p[:len(p)/ar.stride*ar.stride]

	n := copy(p, ar.held)
	ar.held = ar.held[:0]

	rn, err := ar.r.Read(p[n:])
	n += rn
	if err != nil {
		if n%ar.stride != 0 && err == io.EOF {
			return n, io.ErrUnexpectedEOF
		}
		return n, err
	}
	if mod := n % ar.stride; mod != 0 {
		n -= mod
		ar.held = append(ar.held, p[n:n+mod]...)
	}
	return n, nil
}
