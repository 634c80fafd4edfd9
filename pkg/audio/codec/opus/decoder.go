package opus

/*
#cgo pkg-config: opus
#include <opus.h>
*/
import "C"
import (
	"fmt"
	"unsafe"
)

// Decoder is one libopus decoder state producing interleaved int16 PCM.
// Not safe for concurrent use.
type Decoder struct {
	st       *C.OpusDecoder
	channels int
}

// NewDecoder creates a decoder at the given output rate. Valid rates are
// 8000, 12000, 16000, 24000 and 48000 Hz; channels 1 or 2.
func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	var code C.int
	st := C.opus_decoder_create(C.opus_int32(sampleRate), C.int(channels), &code)
	if code != C.OPUS_OK {
		return nil, fmt.Errorf("opus: decoder create: %s", C.GoString(C.opus_strerror(code)))
	}
	return &Decoder{st: st, channels: channels}, nil
}

// DecodeTo decompresses one packet into buf and returns the per-channel
// sample count. buf must hold a full frame; 120 ms at the decoder rate
// is the libopus worst case.
func (d *Decoder) DecodeTo(pkt []byte, buf []int16) (int, error) {
	if d.st == nil {
		return 0, errClosed
	}
	var data *C.uchar
	if len(pkt) > 0 {
		data = (*C.uchar)(unsafe.Pointer(&pkt[0]))
	}
	n := C.opus_decode(d.st, data, C.opus_int32(len(pkt)),
		(*C.opus_int16)(unsafe.Pointer(&buf[0])), C.int(len(buf)/d.channels), 0)
	if n < 0 {
		return 0, fmt.Errorf("opus: decode: %s", C.GoString(C.opus_strerror(C.int(n))))
	}
	return int(n), nil
}

// ConcealTo synthesizes packet-loss concealment into buf and returns the
// per-channel sample count. The decoder extrapolates from the last good
// frame; the gap length is len(buf)/channels.
func (d *Decoder) ConcealTo(buf []int16) (int, error) {
	if d.st == nil {
		return 0, errClosed
	}
	n := C.opus_decode(d.st, nil, 0,
		(*C.opus_int16)(unsafe.Pointer(&buf[0])), C.int(len(buf)/d.channels), 0)
	if n < 0 {
		return 0, fmt.Errorf("opus: conceal: %s", C.GoString(C.opus_strerror(C.int(n))))
	}
	return int(n), nil
}

// Close releases the decoder state. Safe to call twice.
func (d *Decoder) Close() {
	if d.st != nil {
		C.opus_decoder_destroy(d.st)
		d.st = nil
	}
}
