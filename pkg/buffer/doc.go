// Package buffer provides thread-safe bounded FIFO queues for streaming
// audio frames and packets between pipeline stages.
//
// Two queue types cover the two overflow policies a realtime pipeline needs:
//
//   - Queue: bounded FIFO that rejects writes when full. Used on the
//     capture side, where dropping outbound speech would silently corrupt
//     the conversation, so overflow must surface as an error.
//
//   - Ring: bounded FIFO that evicts the oldest element when full and
//     counts evictions. Used on the playback side, where bounding latency
//     matters more than completeness.
//
// Both types block consumers on Next until an element is available, and
// support graceful shutdown through CloseWrite (consumers drain remaining
// elements, then receive ErrIteratorDone) or CloseWithError (both ends fail
// immediately with the given error).
package buffer
