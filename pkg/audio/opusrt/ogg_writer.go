// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Ogg Opus container writer, based on the Pion WebRTC project.

package opusrt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/murmulab/chatpod/pkg/audio/codec/opus"
)

const (
	pageTypeContinuation = 0x00
	pageTypeBeginning    = 0x02
	pageTypeEnd          = 0x04

	pageHeaderSize = 27

	// RFC 7845 section 5.1 recommends 80 ms of pre-skip, 3840 samples at
	// the 48 kHz granule rate.
	preSkipSamples = 3840
)

var errWriterClosed = errors.New("opusrt: ogg writer is closed")

// crcTable is the Ogg page checksum table (CRC-32, polynomial 0x04c11db7,
// no reflection, no final xor).
var crcTable = sync.OnceValue(func() *[256]uint32 {
	var table [256]uint32
	const poly = 0x04c11db7
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ poly
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return &table
})

// OggWriter archives encoded packets into an Ogg Opus container, one
// packet per page. Append packets in play order; the granule position is
// derived from each packet's TOC byte.
type OggWriter struct {
	out             io.Writer
	sampleRate      uint32
	channels        uint16
	serial          uint32
	pageIndex       uint32
	granule         uint64
	lastPayloadSize int
}

// NewOggWriter writes the Opus ID and comment headers to out and returns
// a writer ready for Append. sampleRate and channels describe the coded
// stream and are informational in the container.
func NewOggWriter(out io.Writer, sampleRate, channels int) (*OggWriter, error) {
	if out == nil {
		return nil, errWriterClosed
	}
	var serial uint32
	if err := binary.Read(rand.Reader, binary.LittleEndian, &serial); err != nil {
		return nil, err
	}
	w := &OggWriter{
		out:        out,
		sampleRate: uint32(sampleRate),
		channels:   uint16(channels),
		serial:     serial,
	}
	if err := w.writeHeaders(); err != nil {
		return nil, err
	}
	return w, nil
}

// writeHeaders emits the two mandatory header pages (RFC 7845 sections
// 5.1 and 5.2): OpusHead alone on the first page, OpusTags on the second.
func (w *OggWriter) writeHeaders() error {
	id := make([]byte, 19)
	copy(id, "OpusHead")
	id[8] = 1 // version
	id[9] = uint8(w.channels)
	binary.LittleEndian.PutUint16(id[10:], preSkipSamples)
	binary.LittleEndian.PutUint32(id[12:], w.sampleRate)
	binary.LittleEndian.PutUint16(id[16:], 0) // output gain
	id[18] = 0                                // channel mapping 0: mono or stereo
	if err := w.writePage(id, pageTypeBeginning, 0); err != nil {
		return err
	}

	const vendor = "chatpod"
	tags := make([]byte, 8+4+len(vendor)+4)
	copy(tags, "OpusTags")
	binary.LittleEndian.PutUint32(tags[8:], uint32(len(vendor)))
	copy(tags[12:], vendor)
	binary.LittleEndian.PutUint32(tags[12+len(vendor):], 0) // no user comments
	return w.writePage(tags, pageTypeContinuation, 0)
}

// Append writes one encoded packet as its own page. Packets must arrive
// in play order; gaps simply advance the timeline by the packets around
// them.
func (w *OggWriter) Append(pkt []byte) error {
	if w.out == nil {
		return errWriterClosed
	}
	w.granule += uint64(opus.GranuleSamples(pkt))
	return w.writePage(pkt, pageTypeContinuation, w.granule)
}

func (w *OggWriter) writePage(payload []byte, pageType uint8, granule uint64) error {
	page := w.buildPage(payload, pageType, granule, w.pageIndex)
	w.pageIndex++
	_, err := w.out.Write(page)
	return err
}

func (w *OggWriter) buildPage(payload []byte, pageType uint8, granule uint64, index uint32) []byte {
	w.lastPayloadSize = len(payload)
	segments := len(payload)/255 + 1

	page := make([]byte, pageHeaderSize+segments+len(payload))
	copy(page, "OggS")
	page[4] = 0 // version
	page[5] = pageType
	binary.LittleEndian.PutUint64(page[6:], granule)
	binary.LittleEndian.PutUint32(page[14:], w.serial)
	binary.LittleEndian.PutUint32(page[18:], index)
	page[26] = uint8(segments)
	for i := 0; i < segments-1; i++ {
		page[pageHeaderSize+i] = 255
	}
	page[pageHeaderSize+segments-1] = uint8(len(payload) % 255)
	copy(page[pageHeaderSize+segments:], payload)

	table := crcTable()
	var crc uint32
	for _, b := range page {
		crc = crc<<8 ^ table[byte(crc>>24)^b]
	}
	binary.LittleEndian.PutUint32(page[22:], crc)
	return page
}

// Close marks the final page with the end-of-stream flag when the output
// is seekable, then closes the output if it is an io.Closer. The writer
// is unusable afterwards.
func (w *OggWriter) Close() error {
	out := w.out
	if out == nil {
		return nil
	}
	w.out = nil

	if s, ok := out.(interface {
		io.Seeker
		io.ReaderAt
	}); ok && w.pageIndex > 2 {
		// Re-read the last page's payload and rewrite the page in place
		// with the EOS flag set.
		segments := w.lastPayloadSize/255 + 1
		offset, err := s.Seek(-int64(pageHeaderSize+segments+w.lastPayloadSize), io.SeekEnd)
		if err != nil {
			return err
		}
		payload := make([]byte, w.lastPayloadSize)
		if _, err := s.ReadAt(payload, offset+int64(pageHeaderSize+segments)); err != nil {
			return err
		}
		page := w.buildPage(payload, pageTypeEnd, w.granule, w.pageIndex-1)
		if _, err := out.Write(page); err != nil {
			return err
		}
	}

	if c, ok := out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
