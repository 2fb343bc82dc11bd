package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// XorInitialKey is the seed of the autokey XOR cipher used by the legacy
// port 9999 protocol and the Linkie camera endpoint.
const XorInitialKey byte = 171

// XorHeaderSize is the length of the big-endian length prefix on XOR frames
const XorHeaderSize = 4

// ErrShortFrame is returned when a framed XOR payload is truncated
var ErrShortFrame = errors.New("xor frame shorter than its length prefix")

// XorEncode applies the autokey cipher: every output byte becomes the key for
// the next input byte.
func XorEncode(seed byte, plaintext []byte) []byte {
	key := seed
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		key ^= b
		out[i] = key
	}
	return out
}

// XorDecode is the inverse of XorEncode for the same seed
func XorDecode(seed byte, ciphertext []byte) []byte {
	key := seed
	out := make([]byte, len(ciphertext))
	for i, c := range ciphertext {
		out[i] = key ^ c
		key = c
	}
	return out
}

// XorFrame encodes plaintext with the default seed and prepends the 4-byte
// big-endian length of the payload.
func XorFrame(plaintext []byte) []byte {
	frame := make([]byte, XorHeaderSize, XorHeaderSize+len(plaintext))
	binary.BigEndian.PutUint32(frame, uint32(len(plaintext)))
	return append(frame, XorEncode(XorInitialKey, plaintext)...)
}

// XorUnframe validates the length prefix and decodes the payload
func XorUnframe(frame []byte) ([]byte, error) {
	if len(frame) < XorHeaderSize {
		return nil, ErrShortFrame
	}
	length := binary.BigEndian.Uint32(frame[:XorHeaderSize])
	body := frame[XorHeaderSize:]
	if uint64(len(body)) < uint64(length) {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrShortFrame, length, len(body))
	}
	return XorDecode(XorInitialKey, body[:length]), nil
}
