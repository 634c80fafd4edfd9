package resampler

import (
	"encoding/binary"
	"fmt"
	"io"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Reader converts a raw little-endian 16-bit PCM byte stream to mono
// samples at a fixed output rate. Stereo sources are downmixed before
// rate conversion. Not safe for concurrent use.
type Reader struct {
	src  *alignReader
	from Format
	rate int

	conv resampling.Resampler // nil when no rate conversion is needed

	readBuf  []byte
	monoBuf  []int16
	floatBuf []float64
	leftover []int16

	inSamples  int
	outSamples int
	err        error
}

// NewReader wraps src, a stream of raw 16-bit PCM in the given format,
// and produces mono samples at outRate.
func NewReader(src io.Reader, from Format, outRate int) (*Reader, error) {
	if from.SampleRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("resampler: invalid rates %d -> %d", from.SampleRate, outRate)
	}
	r := &Reader{
		src:  newAlignReader(src, from.stride()),
		from: from,
		rate: outRate,
	}
	if from.SampleRate != outRate {
		conv, err := resampling.New(&resampling.Config{
			InputRate:  float64(from.SampleRate),
			OutputRate: float64(outRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("resampler: %w", err)
		}
		r.conv = conv
	}
	return r, nil
}

// Read fills frame with converted samples and returns how many it wrote.
// A short count is not an error. After the source ends, Read drains the
// converter's buffered tail and then returns the source error, usually
// io.EOF.
func (r *Reader) Read(frame []int16) (int, error) {
	n := 0
	for n < len(frame) {
		if len(r.leftover) > 0 {
			c := copy(frame[n:], r.leftover)
			r.leftover = r.leftover[c:]
			n += c
			continue
		}
		if r.err != nil {
			break
		}
		if !r.fill(len(frame) - n) {
			break
		}
	}
	if n > 0 {
		return n, nil
	}
	if r.err != nil {
		return 0, r.err
	}
	return 0, nil
}

// fill reads one batch from the source into leftover. It reports whether
// it made progress, either new samples or a recorded error.
func (r *Reader) fill(want int) bool {
	if want < 1 {
		want = 1
	}
	max := want
	if r.conv != nil {
		// The converter eats from.SampleRate samples per rate output
		// samples, plus a little slack so it always has work.
		max = want*r.from.SampleRate/r.rate + 16
	}
	mono, err := r.readMono(max)
	if len(mono) > 0 {
		if r.conv == nil {
			r.leftover = append(r.leftover, mono...)
		} else {
			r.inSamples += len(mono)
			r.process(mono)
		}
	}
	if err != nil && r.err == nil {
		if r.conv != nil {
			r.drain()
		}
		r.err = err
	}
	return len(r.leftover) > 0 || r.err != nil
}

// readMono reads up to max mono samples from the source, downmixing
// stereo input. The returned slice is valid until the next call.
func (r *Reader) readMono(max int) ([]int16, error) {
	srcBytes := max * r.from.stride()
	if cap(r.readBuf) < srcBytes {
		r.readBuf = make([]byte, srcBytes)
	}
	bn, err := r.src.Read(r.readBuf[:srcBytes])
	if bn == 0 {
		return nil, err
	}
	buf := r.readBuf[:bn]
	if r.from.Stereo {
		buf = buf[:downmix(buf)]
	}
	samples := len(buf) / 2
	if cap(r.monoBuf) < samples {
		r.monoBuf = make([]int16, samples)
	}
	mono := r.monoBuf[:samples]
	for i := range mono {
		mono[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return mono, err
}

// process pushes mono samples through the rate converter and appends
// whatever comes out to leftover.
func (r *Reader) process(mono []int16) {
	if cap(r.floatBuf) < len(mono) {
		r.floatBuf = make([]float64, len(mono))
	}
	in := r.floatBuf[:len(mono)]
	for i, s := range mono {
		in[i] = float64(s) / 32768.0
	}
	out, err := r.conv.Process(in)
	if err != nil {
		r.err = fmt.Errorf("resampler: %w", err)
		return
	}
	r.leftover = appendSamples(r.leftover, out)
	r.outSamples += len(out)
}

// drain pushes zeros through the converter to recover samples its filter
// delay is still holding, stopping once the output count catches up with
// the input.
func (r *Reader) drain() {
	expected := r.inSamples * r.rate / r.from.SampleRate
	pad := make([]float64, r.from.SampleRate/50+16)
	for attempts := 0; r.outSamples < expected && attempts < 8; attempts++ {
		out, err := r.conv.Process(pad)
		if err != nil {
			return
		}
		if over := r.outSamples + len(out) - expected; over > 0 {
			out = out[:len(out)-over]
		}
		r.leftover = appendSamples(r.leftover, out)
		r.outSamples += len(out)
	}
}

// downmix averages stereo 16-bit sample pairs into mono in place and
// returns the new byte length.
func downmix(b []byte) int {
	pairs := len(b) / 4
	for i := range pairs {
		j := i * 4
		l := int16(binary.LittleEndian.Uint16(b[j:]))
		rr := int16(binary.LittleEndian.Uint16(b[j+2:]))
		m := int16((int32(l) + int32(rr)) / 2)
		binary.LittleEndian.PutUint16(b[i*2:], uint16(m))
	}
	return pairs * 2
}
