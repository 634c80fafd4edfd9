// Package pcm provides types and utilities for working with 16-bit PCM
// audio data.
//
// The package defines mono formats at the sample rates the engine uses
// (Format), duration math on those formats, chunk types for streaming raw
// audio bytes, and frame-level helpers for []int16 sample slices (Energy,
// RMS, byte conversion).
//
// Example usage:
//
//	// Calculate samples in one 20ms frame at 16kHz
//	n := pcm.FrameSamples(16000, 20*time.Millisecond)
//
//	// Measure frame amplitude for voice activity detection
//	e := pcm.Energy(frame)
//
//	// Write 100ms of silence to a raw PCM file
//	pcm.L16Mono16K.SilenceChunk(100 * time.Millisecond).WriteTo(f)
package pcm
