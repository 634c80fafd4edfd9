// Package opusrt reorders encoded audio packets for real-time playback.
//
// Transports tag each encoded frame with a stream sequence number and may
// deliver frames out of order, duplicated, or not at all. Buffer holds
// out-of-order packets in a min-heap keyed by sequence and releases them
// in order. A missing sequence stalls release until either the reorder
// window fills or the hold deadline passes; the skipped range is then
// reported as a lost count so decoders can run packet loss concealment.
//
// Stream wraps a Buffer with a background goroutine so consumers can block
// on Next instead of polling:
//
//	stream := opusrt.NewStream(opusrt.NewBuffer(0))
//
//	// Append packets as the transport delivers them.
//	stream.Append(opusrt.Packet{Seq: seq, Payload: data})
//
//	// Read packets in sequence order.
//	pkt, lost, err := stream.Next()
//	if lost > 0 {
//	    // Conceal the missing frames before decoding pkt.
//	}
package opusrt
