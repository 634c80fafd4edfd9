package pcm

import (
	"bytes"
	"testing"
	"time"
)

func TestFormatMath(t *testing.T) {
	tests := []struct {
		format   Format
		rate     int
		samples  int64
		frameLen int64
	}{
		{L16Mono16K, 16000, 320, 640},
		{L16Mono24K, 24000, 480, 960},
		{L16Mono48K, 48000, 960, 1920},
	}
	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			if got := tt.format.SampleRate(); got != tt.rate {
				t.Errorf("SampleRate: got %d, want %d", got, tt.rate)
			}
			if got := tt.format.SamplesInDuration(20 * time.Millisecond); got != tt.samples {
				t.Errorf("SamplesInDuration(20ms): got %d, want %d", got, tt.samples)
			}
			if got := tt.format.BytesInDuration(20 * time.Millisecond); got != tt.frameLen {
				t.Errorf("BytesInDuration(20ms): got %d, want %d", got, tt.frameLen)
			}
			if got := tt.format.Duration(tt.frameLen); got != 20*time.Millisecond {
				t.Errorf("Duration(%d): got %v, want 20ms", tt.frameLen, got)
			}
			if got := tt.format.Channels(); got != 1 {
				t.Errorf("Channels: got %d, want 1", got)
			}
			if got := tt.format.Depth(); got != 16 {
				t.Errorf("Depth: got %d, want 16", got)
			}
		})
	}
}

func TestFormatForRate(t *testing.T) {
	f, ok := FormatForRate(24000)
	if !ok || f != L16Mono24K {
		t.Errorf("FormatForRate(24000): got %v %v, want L16Mono24K true", f, ok)
	}
	if _, ok := FormatForRate(44100); ok {
		t.Error("FormatForRate(44100): expected false")
	}
}

func TestSilenceChunk(t *testing.T) {
	c := L16Mono16K.SilenceChunk(20 * time.Millisecond)
	var buf bytes.Buffer
	n, err := c.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != 640 || buf.Len() != 640 {
		t.Errorf("silence length: got %d, want 640", buf.Len())
	}
	for _, b := range buf.Bytes() {
		if b != 0 {
			t.Fatal("silence chunk wrote non-zero byte")
		}
	}
}

func TestReadChunk(t *testing.T) {
	src := bytes.Repeat([]byte{1, 2}, 320)
	c, err := L16Mono16K.ReadChunk(bytes.NewReader(src), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if c.Len() != 640 {
		t.Errorf("Len: got %d, want 640", c.Len())
	}
	if c.Format() != L16Mono16K {
		t.Errorf("Format: got %v, want L16Mono16K", c.Format())
	}
}

func TestFrameSamples(t *testing.T) {
	if got := FrameSamples(16000, 20*time.Millisecond); got != 320 {
		t.Errorf("FrameSamples(16000, 20ms): got %d, want 320", got)
	}
	if got := FrameSamples(24000, 60*time.Millisecond); got != 1440 {
		t.Errorf("FrameSamples(24000, 60ms): got %d, want 1440", got)
	}
}

func TestEnergy(t *testing.T) {
	if got := Energy(nil); got != 0 {
		t.Errorf("Energy(nil): got %v, want 0", got)
	}
	if got := Energy(make([]int16, 320)); got != 0 {
		t.Errorf("Energy(silence): got %v, want 0", got)
	}
	frame := []int16{1000, -1000, 1000, -1000}
	if got := Energy(frame); got != 1000 {
		t.Errorf("Energy: got %v, want 1000", got)
	}
}

func TestRMS(t *testing.T) {
	frame := []int16{300, -300, 300, -300}
	if got := RMS(frame); got != 300 {
		t.Errorf("RMS: got %v, want 300", got)
	}
}

func TestBytesSamplesRoundTrip(t *testing.T) {
	frame := []int16{0, 1, -1, 32767, -32768, 12345}
	got := Samples(Bytes(frame))
	if len(got) != len(frame) {
		t.Fatalf("length: got %d, want %d", len(got), len(frame))
	}
	for i := range frame {
		if got[i] != frame[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], frame[i])
		}
	}
}
