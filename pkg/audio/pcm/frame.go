package pcm

import (
	"encoding/binary"
	"math"
	"time"
)

// FrameSamples returns the number of samples in one mono frame of the given
// duration at the given sample rate.
func FrameSamples(rate int, d time.Duration) int {
	return int(time.Duration(rate) * d / time.Second)
}

// Energy returns the mean absolute amplitude of a frame in 16-bit sample
// units. Silence is near 0, normal speech is typically a few hundred.
func Energy(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(frame))
}

// RMS returns the root-mean-square amplitude of a frame in 16-bit sample
// units.
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Bytes encodes samples as little-endian 16-bit PCM.
func Bytes(frame []int16) []byte {
	b := make([]byte, len(frame)*2)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// Samples decodes little-endian 16-bit PCM into samples. A trailing odd
// byte is ignored.
func Samples(b []byte) []int16 {
	frame := make([]int16, len(b)/2)
	for i := range frame {
		frame[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return frame
}
