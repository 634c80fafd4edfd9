package chatpod

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/murmulab/chatpod/pkg/audio/pcm"
	"github.com/murmulab/chatpod/pkg/audio/resampler"
)

// WAVMic is a file-backed Mic. It reads 16-bit PCM WAV files and returns
// io.EOF when the data chunk is exhausted. Files at a native rate stream
// directly; anything else, including stereo, goes through the resampler
// and comes out as 16 kHz mono. Real microphone bindings implement Mic
// outside this module.
type WAVMic struct {
	f         *os.File
	format    pcm.Format
	remaining int64
	scratch   []byte
	rs        *resampler.Reader
}

var _ Mic = (*WAVMic)(nil)

// OpenWAVMic opens path and parses its RIFF header.
func OpenWAVMic(path string) (*WAVMic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DeviceError{Op: "open wav", Err: err}
	}
	rate, channels, dataLen, err := parseWAVHeader(f)
	if err != nil {
		f.Close()
		return nil, &DeviceError{Op: "open wav", Err: fmt.Errorf("%s: %w", path, err)}
	}
	if format, ok := pcm.FormatForRate(rate); ok && channels == 1 {
		return &WAVMic{f: f, format: format, remaining: dataLen}, nil
	}
	rs, err := resampler.NewReader(
		io.LimitReader(f, dataLen),
		resampler.Format{SampleRate: rate, Stereo: channels == 2},
		pcm.L16Mono16K.SampleRate(),
	)
	if err != nil {
		f.Close()
		return nil, &DeviceError{Op: "open wav", Err: fmt.Errorf("%s: %w", path, err)}
	}
	return &WAVMic{f: f, format: pcm.L16Mono16K, rs: rs}, nil
}

// parseWAVHeader walks RIFF chunks up to the data chunk and returns the
// sample rate, channel count and data length. Only uncompressed 16-bit
// mono or stereo is accepted.
func parseWAVHeader(r io.Reader) (rate, channels int, dataLen int64, err error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return 0, 0, 0, fmt.Errorf("riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return 0, 0, 0, fmt.Errorf("not a wav file")
	}

	sawFmt := false
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			return 0, 0, 0, fmt.Errorf("chunk header: %w", err)
		}
		id := string(ch[0:4])
		size := int64(binary.LittleEndian.Uint32(ch[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return 0, 0, 0, fmt.Errorf("fmt chunk too short (%d bytes)", size)
			}
			var body [16]byte
			if _, err := io.ReadFull(r, body[:]); err != nil {
				return 0, 0, 0, fmt.Errorf("fmt chunk: %w", err)
			}
			if rest := size - 16 + size&1; rest > 0 {
				if _, err := io.CopyN(io.Discard, r, rest); err != nil {
					return 0, 0, 0, fmt.Errorf("fmt chunk: %w", err)
				}
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			nch := binary.LittleEndian.Uint16(body[2:4])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if audioFormat != 1 {
				return 0, 0, 0, fmt.Errorf("compressed wav (format %d) not supported", audioFormat)
			}
			if nch != 1 && nch != 2 {
				return 0, 0, 0, fmt.Errorf("%d-channel wav not supported, want mono or stereo", nch)
			}
			if bits != 16 {
				return 0, 0, 0, fmt.Errorf("%d-bit wav not supported, want 16", bits)
			}
			rate = int(binary.LittleEndian.Uint32(body[4:8]))
			if rate <= 0 {
				return 0, 0, 0, fmt.Errorf("invalid sample rate %d", rate)
			}
			channels = int(nch)
			sawFmt = true
		case "data":
			if !sawFmt {
				return 0, 0, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			return rate, channels, size, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size&1); err != nil {
				return 0, 0, 0, fmt.Errorf("chunk %q: %w", id, err)
			}
		}
	}
}

func (m *WAVMic) Read(frame []int16) (int, error) {
	if m.rs != nil {
		return m.rs.Read(frame)
	}
	if m.remaining <= 0 {
		return 0, io.EOF
	}
	want := int64(len(frame)) * 2
	if want > m.remaining {
		want = m.remaining
	}
	if int64(cap(m.scratch)) < want {
		m.scratch = make([]byte, want)
	}
	buf := m.scratch[:want]
	n, err := io.ReadFull(m.f, buf)
	m.remaining -= int64(n)
	samples := n / 2
	for i := 0; i < samples; i++ {
		frame[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if err == nil && m.remaining <= 0 {
		err = io.EOF
	}
	return samples, err
}

func (m *WAVMic) Format() pcm.Format { return m.format }

func (m *WAVMic) Close() error { return m.f.Close() }

// FileSpeaker is a file-backed Speaker writing raw little-endian 16-bit
// PCM. Play the result with e.g. ffplay -f s16le -ar 24000 -ch_layout mono.
type FileSpeaker struct {
	f      *os.File
	format pcm.Format
}

var _ Speaker = (*FileSpeaker)(nil)

// CreateFileSpeaker creates or truncates path.
func CreateFileSpeaker(path string, format pcm.Format) (*FileSpeaker, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, &DeviceError{Op: "create raw pcm", Err: err}
	}
	return &FileSpeaker{f: f, format: format}, nil
}

func (s *FileSpeaker) Write(frame []int16) (int, error) {
	if _, err := s.f.Write(pcm.Bytes(frame)); err != nil {
		return 0, err
	}
	return len(frame), nil
}

func (s *FileSpeaker) Format() pcm.Format { return s.format }

func (s *FileSpeaker) Close() error { return s.f.Close() }

// SilentMic produces endless silence. Useful for receive-only runs and
// tests.
type SilentMic struct {
	format pcm.Format
}

var _ Mic = (*SilentMic)(nil)

func NewSilentMic(format pcm.Format) *SilentMic {
	return &SilentMic{format: format}
}

func (m *SilentMic) Read(frame []int16) (int, error) {
	clear(frame)
	return len(frame), nil
}

func (m *SilentMic) Format() pcm.Format { return m.format }

// SinkSpeaker discards playback and counts what it swallowed.
type SinkSpeaker struct {
	format  pcm.Format
	samples atomic.Int64
}

var _ Speaker = (*SinkSpeaker)(nil)

func NewSinkSpeaker(format pcm.Format) *SinkSpeaker {
	return &SinkSpeaker{format: format}
}

func (s *SinkSpeaker) Write(frame []int16) (int, error) {
	s.samples.Add(int64(len(frame)))
	return len(frame), nil
}

func (s *SinkSpeaker) Format() pcm.Format { return s.format }

// Samples returns the total number of samples written so far.
func (s *SinkSpeaker) Samples() int64 { return s.samples.Load() }
