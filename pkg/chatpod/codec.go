package chatpod

import (
	"fmt"

	"github.com/murmulab/chatpod/pkg/audio/codec/opus"
	"github.com/murmulab/chatpod/pkg/audio/pcm"
	"github.com/murmulab/chatpod/pkg/audio/resampler"
)

// CodecConfig configures a Codec.
type CodecConfig struct {
	// Wire is the outbound packet format. Zero means DefaultWireFormat.
	Wire PacketFormat

	// Inbound is the format inbound packets decode at, negotiated from the
	// server hello. Zero means DefaultInboundFormat.
	Inbound PacketFormat

	// PlaybackRate is the sample rate decoded frames are resampled to for
	// the playback device. Zero means the inbound rate (no resampling).
	PlaybackRate int

	// Bitrate sets the encoder target in bits per second. Zero keeps the
	// libopus default.
	Bitrate int

	// Complexity sets the encoder computational complexity (0-10).
	// Zero keeps the libopus default.
	Complexity int
}

// Codec pairs an Opus encoder and decoder with the resampling needed to
// bridge device rates and wire rates. It is not safe for concurrent use of
// the same direction; the capture loop owns Encode and the playback loop
// owns Decode.
type Codec struct {
	enc *opus.Encoder
	dec *opus.Decoder

	wire     PacketFormat
	inbound  PacketFormat
	playRate int

	decodeBuf []int16
}

// NewCodec creates a Codec for the given formats.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	wire := cfg.Wire
	if wire.SampleRate == 0 {
		wire = DefaultWireFormat
	}
	inbound := cfg.Inbound
	if inbound.SampleRate == 0 {
		inbound = DefaultInboundFormat
	}
	playRate := cfg.PlaybackRate
	if playRate == 0 {
		playRate = inbound.SampleRate
	}

	enc, err := opus.NewVoIPEncoder(wire.SampleRate, wire.Channels)
	if err != nil {
		return nil, fmt.Errorf("chatpod: codec encoder: %w", err)
	}
	if cfg.Bitrate > 0 {
		if err := enc.SetBitrate(cfg.Bitrate); err != nil {
			enc.Close()
			return nil, fmt.Errorf("chatpod: codec bitrate: %w", err)
		}
	}
	if cfg.Complexity > 0 {
		if err := enc.SetComplexity(cfg.Complexity); err != nil {
			enc.Close()
			return nil, fmt.Errorf("chatpod: codec complexity: %w", err)
		}
	}

	dec, err := opus.NewDecoder(inbound.SampleRate, inbound.Channels)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("chatpod: codec decoder: %w", err)
	}

	return &Codec{
		enc:      enc,
		dec:      dec,
		wire:     wire,
		inbound:  inbound,
		playRate: playRate,
		// 120ms at 48kHz is the maximum opus frame.
		decodeBuf: make([]int16, 5760*inbound.Channels),
	}, nil
}

// Wire returns the outbound packet format.
func (c *Codec) Wire() PacketFormat { return c.wire }

// Inbound returns the inbound packet format.
func (c *Codec) Inbound() PacketFormat { return c.inbound }

// PlaybackRate returns the sample rate of decoded frames.
func (c *Codec) PlaybackRate() int { return c.playRate }

// Encode resamples one captured frame to the wire rate when needed and
// Opus-encodes it. The frame's sample count must match the wire frame
// duration at the frame's own sample rate, or ErrInvalidFrameSize is
// returned.
func (c *Codec) Encode(frame *AudioFrame) (*EncodedPacket, error) {
	want := pcm.FrameSamples(frame.SampleRate, c.wire.FrameDuration)
	if want <= 0 || len(frame.PCM) != want {
		return nil, fmt.Errorf("%w: got %d samples at %d Hz, want %d",
			ErrInvalidFrameSize, len(frame.PCM), frame.SampleRate, want)
	}

	samples := frame.PCM
	if frame.SampleRate != c.wire.SampleRate {
		resampled, err := resampler.Resample(samples, frame.SampleRate, c.wire.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("chatpod: encode resample: %w", err)
		}
		samples = resampled
	}

	payload, err := c.enc.Encode(samples, c.wire.Samples())
	if err != nil {
		return nil, fmt.Errorf("chatpod: encode: %w", err)
	}
	return &EncodedPacket{
		Payload: payload,
		Seq:     frame.Seq,
		Stamp:   frame.Stamp,
		Format:  c.wire,
	}, nil
}

// Decode Opus-decodes one inbound packet and resamples it to the playback
// rate when needed. Corrupt payloads return a *DecodeError; the caller
// drops the frame and keeps going.
func (c *Codec) Decode(pkt *EncodedPacket) (*AudioFrame, error) {
	n, err := c.dec.DecodeTo(pkt.Payload, c.decodeBuf)
	if err != nil {
		return nil, &DecodeError{Seq: pkt.Seq, Err: err}
	}

	samples := make([]int16, n)
	copy(samples, c.decodeBuf[:n])
	rate := c.inbound.SampleRate
	if rate != c.playRate {
		samples, err = resampler.Resample(samples, rate, c.playRate)
		if err != nil {
			return nil, &DecodeError{Seq: pkt.Seq, Err: err}
		}
		rate = c.playRate
	}

	return &AudioFrame{
		PCM:        samples,
		SampleRate: rate,
		Seq:        pkt.Seq,
		Stamp:      pkt.Stamp,
		Source:     SourceNetwork,
	}, nil
}

// Conceal synthesizes one frame of packet-loss concealment at the playback
// rate. The playback loop calls it for short gaps reported by the reorder
// buffer.
func (c *Codec) Conceal(seq uint32) (*AudioFrame, error) {
	buf := make([]int16, c.inbound.Samples()*c.inbound.Channels)
	n, err := c.dec.ConcealTo(buf)
	if err != nil {
		return nil, &DecodeError{Seq: seq, Err: err}
	}
	samples := buf[:n*c.inbound.Channels]
	rate := c.inbound.SampleRate
	if rate != c.playRate {
		samples, err = resampler.Resample(samples, rate, c.playRate)
		if err != nil {
			return nil, &DecodeError{Seq: seq, Err: err}
		}
		rate = c.playRate
	}
	return &AudioFrame{
		PCM:        samples,
		SampleRate: rate,
		Seq:        seq,
		Source:     SourceNetwork,
	}, nil
}

// Close releases the encoder and decoder.
func (c *Codec) Close() error {
	c.enc.Close()
	c.dec.Close()
	return nil
}
