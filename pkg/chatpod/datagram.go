package chatpod

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Datagram layout: a 16-byte nonce followed by the AES-CTR ciphertext of
// one Opus payload. Nonce bytes 0-1 are the fixed prefix 0x01 0x00, bytes
// 2-3 the big-endian payload length, bytes 4-11 are copied from the server
// hello nonce, bytes 12-15 the big-endian packet sequence.
const (
	datagramNonceSize = 16
	datagramKeySize   = 16
)

var (
	errDatagramShort  = errors.New("chatpod: datagram shorter than nonce")
	errDatagramLength = errors.New("chatpod: datagram length field mismatch")
)

// datagramCipher seals and opens UDP audio datagrams for one session. The
// key and base nonce come from the server hello; both directions share
// them. Seal and open are stateless, so one side may use the cipher from
// its send and receive goroutines concurrently.
type datagramCipher struct {
	block cipher.Block
	base  [datagramNonceSize]byte
}

// newDatagramCipher parses the hex key and nonce from a server hello UDP
// block.
func newDatagramCipher(keyHex, nonceHex string) (*datagramCipher, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("chatpod: datagram key: %w", err)
	}
	if len(key) != datagramKeySize {
		return nil, fmt.Errorf("chatpod: datagram key: got %d bytes, want %d", len(key), datagramKeySize)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("chatpod: datagram nonce: %w", err)
	}
	if len(nonce) != datagramNonceSize {
		return nil, fmt.Errorf("chatpod: datagram nonce: got %d bytes, want %d", len(nonce), datagramNonceSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("chatpod: datagram cipher: %w", err)
	}
	dc := &datagramCipher{block: block}
	copy(dc.base[:], nonce)
	return dc, nil
}

// seal encrypts one payload into a datagram carrying seq.
func (dc *datagramCipher) seal(seq uint32, payload []byte) []byte {
	out := make([]byte, datagramNonceSize+len(payload))
	nonce := out[:datagramNonceSize]
	nonce[0] = 0x01
	nonce[1] = 0x00
	binary.BigEndian.PutUint16(nonce[2:4], uint16(len(payload)))
	copy(nonce[4:12], dc.base[4:12])
	binary.BigEndian.PutUint32(nonce[12:16], seq)

	ctr := cipher.NewCTR(dc.block, nonce)
	ctr.XORKeyStream(out[datagramNonceSize:], payload)
	return out
}

// open decrypts one datagram, returning the embedded sequence and payload.
// Datagrams shorter than a nonce or with a length field that does not match
// the ciphertext size are rejected.
func (dc *datagramCipher) open(datagram []byte) (seq uint32, payload []byte, err error) {
	if len(datagram) < datagramNonceSize {
		return 0, nil, errDatagramShort
	}
	nonce := datagram[:datagramNonceSize]
	body := datagram[datagramNonceSize:]
	if int(binary.BigEndian.Uint16(nonce[2:4])) != len(body) {
		return 0, nil, errDatagramLength
	}
	seq = binary.BigEndian.Uint32(nonce[12:16])

	payload = make([]byte, len(body))
	ctr := cipher.NewCTR(dc.block, nonce)
	ctr.XORKeyStream(payload, body)
	return seq, payload, nil
}
