// Package resampler converts 16-bit PCM between sample rates in pure Go.
//
// Two entry points cover the engine's needs. Resample converts one whole
// frame at a time and is what the capture and playback paths use to move
// between the device and wire rates. Reader wraps a raw PCM byte stream
// of any rate, downmixes stereo to mono and emits samples at a target
// rate; file-backed sources use it so arbitrary recordings can feed the
// capture path.
package resampler
