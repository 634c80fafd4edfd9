package resampler

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts one mono frame of 16-bit samples from one sample rate
// to another. The rates must divide evenly into common frame durations so
// that whole frames map to whole frames (16k, 24k and 48k all do). When
// from == to the input is returned unchanged.
//
// Each call builds a fresh converter, so the output carries the complete
// frame with no inter-call state. For continuous streams use New instead.
func Resample(frame []int16, from, to int) ([]int16, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("resampler: invalid rates %d -> %d", from, to)
	}
	if from == to || len(frame) == 0 {
		return frame, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resampler: %w", err)
	}

	want := len(frame) * to / from
	input := make([]float64, len(frame))
	for i, s := range frame {
		input[i] = float64(s) / 32768.0
	}

	out := make([]int16, 0, want)
	buffered, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resampler: %w", err)
	}
	out = appendSamples(out, buffered)

	// The converter's filter delay holds back the frame tail. Push zeros
	// through until the full frame has emerged, then trim to the exact
	// frame length so downstream codecs always see whole frames.
	pad := make([]float64, len(frame)/4+16)
	for attempts := 0; len(out) < want && attempts < 8; attempts++ {
		tail, err := rs.Process(pad)
		if err != nil {
			return nil, fmt.Errorf("resampler: %w", err)
		}
		out = appendSamples(out, tail)
	}
	for len(out) < want {
		out = append(out, 0)
	}
	return out[:want], nil
}

func appendSamples(out []int16, in []float64) []int16 {
	for _, s := range in {
		switch {
		case s >= 1.0:
			out = append(out, 32767)
		case s <= -1.0:
			out = append(out, -32768)
		default:
			out = append(out, int16(s*32767.0))
		}
	}
	return out
}
