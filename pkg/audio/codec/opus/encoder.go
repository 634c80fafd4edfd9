package opus

// Built against the system libopus; pkg-config supplies the flags.

/*
#cgo pkg-config: opus
#include <opus.h>

// opus_encoder_ctl is variadic; CGO needs fixed wrappers.
static int chatpod_opus_set_bitrate(OpusEncoder *st, opus_int32 v) {
	return opus_encoder_ctl(st, OPUS_SET_BITRATE(v));
}

static int chatpod_opus_set_complexity(OpusEncoder *st, opus_int32 v) {
	return opus_encoder_ctl(st, OPUS_SET_COMPLEXITY(v));
}
*/
import "C"
import (
	"fmt"
	"unsafe"
)

// maxPacketBytes bounds one encoded frame. libopus recommends 4000 bytes
// for unconstrained VBR.
const maxPacketBytes = 4000

// Encoder is one libopus encoder state in the VoIP profile. Not safe for
// concurrent use.
type Encoder struct {
	st      *C.OpusEncoder
	scratch []byte
}

// NewVoIPEncoder creates an encoder tuned for speech. Valid rates are
// 8000, 12000, 16000, 24000 and 48000 Hz; channels 1 or 2.
func NewVoIPEncoder(sampleRate, channels int) (*Encoder, error) {
	var code C.int
	st := C.opus_encoder_create(C.opus_int32(sampleRate), C.int(channels), C.OPUS_APPLICATION_VOIP, &code)
	if code != C.OPUS_OK {
		return nil, fmt.Errorf("opus: encoder create: %s", C.GoString(C.opus_strerror(code)))
	}
	return &Encoder{st: st, scratch: make([]byte, maxPacketBytes)}, nil
}

// SetBitrate sets the target bitrate in bits per second.
func (e *Encoder) SetBitrate(bps int) error {
	if e.st == nil {
		return errClosed
	}
	if code := C.chatpod_opus_set_bitrate(e.st, C.opus_int32(bps)); code != C.OPUS_OK {
		return fmt.Errorf("opus: set bitrate: %s", C.GoString(C.opus_strerror(code)))
	}
	return nil
}

// SetComplexity sets the computational complexity, 0 (cheapest) to 10.
func (e *Encoder) SetComplexity(c int) error {
	if e.st == nil {
		return errClosed
	}
	if code := C.chatpod_opus_set_complexity(e.st, C.opus_int32(c)); code != C.OPUS_OK {
		return fmt.Errorf("opus: set complexity: %s", C.GoString(C.opus_strerror(code)))
	}
	return nil
}

// Encode compresses one frame of interleaved int16 PCM. frameSamples is
// the per-channel sample count and must be a frame size libopus accepts
// at the encoder rate. The returned packet is freshly allocated; the
// internal scratch buffer is reused across calls.
func (e *Encoder) Encode(pcm []int16, frameSamples int) ([]byte, error) {
	if e.st == nil {
		return nil, errClosed
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("opus: encode: empty frame")
	}
	n := C.opus_encode(e.st,
		(*C.opus_int16)(unsafe.Pointer(&pcm[0])), C.int(frameSamples),
		(*C.uchar)(unsafe.Pointer(&e.scratch[0])), C.opus_int32(len(e.scratch)))
	if n < 0 {
		return nil, fmt.Errorf("opus: encode: %s", C.GoString(C.opus_strerror(C.int(n))))
	}
	out := make([]byte, int(n))
	copy(out, e.scratch[:int(n)])
	return out, nil
}

// Close releases the encoder state. Safe to call twice.
func (e *Encoder) Close() {
	if e.st != nil {
		C.opus_encoder_destroy(e.st)
		e.st = nil
	}
}
