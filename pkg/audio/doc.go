// Package audio is the umbrella for the audio sub-packages:
//
//   - pcm: 16-bit PCM formats, frame sizing and level measurement
//   - resampler: sample rate conversion between the device and wire rates
//   - vad: energy-based voice activity gating
//   - codec/opus: libopus bindings for voice frames
//   - opusrt: packet reordering for real-time playback and Ogg archiving
//
// The package itself holds no code.
package audio
