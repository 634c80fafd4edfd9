package chatpod

import (
	"time"

	"github.com/murmulab/chatpod/pkg/jsontime"
)

// Source identifies where an AudioFrame came from.
type Source int

const (
	SourceMic Source = iota
	SourceNetwork
	SourceFile
)

// String returns the source name.
func (s Source) String() string {
	switch s {
	case SourceMic:
		return "mic"
	case SourceNetwork:
		return "network"
	case SourceFile:
		return "file"
	}
	return "unknown"
}

// AudioFrame is one fixed-duration mono frame of 16-bit PCM. Frames move
// between pipeline stages by ownership transfer: a stage that hands a frame
// off must not touch it again.
type AudioFrame struct {
	PCM        []int16
	SampleRate int
	Seq        uint32
	Stamp      jsontime.Milli
	Source     Source
}

// Duration returns the frame play time.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.PCM)) * time.Second / time.Duration(f.SampleRate)
}

// PacketFormat describes the encoded audio on the wire.
type PacketFormat struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// Samples returns the PCM sample count of one frame in this format.
func (pf PacketFormat) Samples() int {
	return int(time.Duration(pf.SampleRate) * pf.FrameDuration / time.Second)
}

// Default formats. Capture is 16 kHz mono 20 ms frames; playback decodes at
// 24 kHz unless the backend advertises otherwise.
var (
	DefaultWireFormat    = PacketFormat{SampleRate: 16000, Channels: 1, FrameDuration: 20 * time.Millisecond}
	DefaultInboundFormat = PacketFormat{SampleRate: 24000, Channels: 1, FrameDuration: 20 * time.Millisecond}
)

// EncodedPacket is one Opus frame with its stream position. Immutable after
// creation.
type EncodedPacket struct {
	Payload []byte
	Seq     uint32
	Stamp   jsontime.Milli
	Format  PacketFormat
}
