package resampler

// Format describes a raw 16-bit signed little-endian PCM stream.
type Format struct {
	// SampleRate in Hz. Any positive rate is accepted; it does not have
	// to be one of the engine's native rates.
	SampleRate int

	// Stereo marks interleaved two-channel input. Output is always mono.
	Stereo bool
}

func (f Format) channels() int {
	if f.Stereo {
		return 2
	}
	return 1
}

// stride is the byte width of one sample frame across all channels.
func (f Format) stride() int {
	return 2 * f.channels()
}
