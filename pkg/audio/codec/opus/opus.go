// Package opus binds libopus for voice frame encoding and decoding.
//
// The engine moves fixed-duration mono frames, so the API is much
// narrower than libopus: a VoIP-profile encoder, an int16 decoder with
// packet loss concealment, and a TOC reader for containers that need
// per-packet durations without decoding.
package opus

import (
	"errors"
	"time"
)

var errClosed = errors.New("opus: codec state is closed")

// tocDuration maps TOC configuration numbers to single-frame durations
// (RFC 6716 section 3.1).
var tocDuration = [32]time.Duration{
	// SILK NB, MB, WB: 10, 20, 40, 60 ms
	0: 10 * time.Millisecond, 1: 20 * time.Millisecond, 2: 40 * time.Millisecond, 3: 60 * time.Millisecond,
	4: 10 * time.Millisecond, 5: 20 * time.Millisecond, 6: 40 * time.Millisecond, 7: 60 * time.Millisecond,
	8: 10 * time.Millisecond, 9: 20 * time.Millisecond, 10: 40 * time.Millisecond, 11: 60 * time.Millisecond,
	// Hybrid SWB, FB: 10, 20 ms
	12: 10 * time.Millisecond, 13: 20 * time.Millisecond,
	14: 10 * time.Millisecond, 15: 20 * time.Millisecond,
	// CELT NB, WB, SWB, FB: 2.5, 5, 10, 20 ms
	16: 2500 * time.Microsecond, 17: 5 * time.Millisecond, 18: 10 * time.Millisecond, 19: 20 * time.Millisecond,
	20: 2500 * time.Microsecond, 21: 5 * time.Millisecond, 22: 10 * time.Millisecond, 23: 20 * time.Millisecond,
	24: 2500 * time.Microsecond, 25: 5 * time.Millisecond, 26: 10 * time.Millisecond, 27: 20 * time.Millisecond,
	28: 2500 * time.Microsecond, 29: 5 * time.Millisecond, 30: 10 * time.Millisecond, 31: 20 * time.Millisecond,
}

// PacketDuration returns the play time of one encoded packet, read from
// its TOC byte. Unparseable packets return 0.
func PacketDuration(pkt []byte) time.Duration {
	if len(pkt) == 0 {
		return 0
	}
	d := tocDuration[pkt[0]>>3]
	switch pkt[0] & 0x03 {
	case 0:
		return d
	case 1, 2:
		return 2 * d
	default:
		// Code 3: the next byte carries the frame count in its low bits
		// (RFC 6716 section 3.2.5).
		if len(pkt) < 2 {
			return 0
		}
		return d * time.Duration(pkt[1]&0x3f)
	}
}

// GranuleSamples returns the packet duration in 48 kHz samples, the unit
// Ogg granule positions use for Opus regardless of the coded rate.
func GranuleSamples(pkt []byte) int {
	return int(PacketDuration(pkt) * 48000 / time.Second)
}
