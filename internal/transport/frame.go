package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// MaxFrameSize is the largest encrypted frame allowed on the wire,
	// and the size of a single physical read. Every other bound derives
	// from it.
	MaxFrameSize = 1024

	lengthSize = 2 // little-endian plaintext length, authenticated as AAD
	tagSize    = chacha20poly1305.Overhead

	// MaxChunkSize is the largest plaintext a single frame can carry.
	MaxChunkSize = MaxFrameSize - lengthSize - tagSize

	// The nonce is 12 zero bytes with the frame counter written
	// little-endian starting at byte 4. The counter is a full 64 bits;
	// for values below 2^16 the wire bytes are identical to a 16-bit
	// counter, but rollover is well defined.
	nonceCounterOffset = 4
)

var (
	// ErrChunkTooLarge reports a plaintext chunk that exceeds the frame
	// capacity.
	ErrChunkTooLarge = errors.New("transport: plaintext chunk exceeds frame capacity")

	// ErrAuthentication reports a frame that failed its tag check. This is
	// fatal for the connection: no plaintext from the offending read is
	// ever released.
	ErrAuthentication = errors.New("transport: frame authentication failed")

	// ErrShortFrame reports that the input does not yet hold a complete
	// frame. The reassembler buffers the bytes and retries after the next
	// read.
	ErrShortFrame = errors.New("transport: incomplete frame")
)

func frameNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[nonceCounterOffset:], counter)
	return nonce
}

// EncryptFrame seals one plaintext chunk into a wire frame:
// 2-byte little-endian length, ciphertext, 16-byte tag. The length field
// counts plaintext bytes and is authenticated but not encrypted. counter
// must be unique per key; the caller increments it after each frame.
func EncryptFrame(key []byte, counter uint64, chunk []byte) ([]byte, error) {
	if len(chunk) > MaxChunkSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(chunk), MaxChunkSize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("transport: frame key: %w", err)
	}

	frame := make([]byte, lengthSize, lengthSize+len(chunk)+tagSize)
	binary.LittleEndian.PutUint16(frame, uint16(len(chunk)))
	nonce := frameNonce(counter)
	return aead.Seal(frame, nonce[:], chunk, frame[:lengthSize]), nil
}

// DecryptFrame opens the frame at the start of raw and returns its
// plaintext chunk along with the number of wire bytes consumed, so the
// caller can scan a buffer holding several concatenated frames. When raw
// does not yet hold the whole frame, ErrShortFrame is returned. The length
// field is attacker-controlled: values beyond the frame capacity are
// rejected before any allocation.
func DecryptFrame(key []byte, counter uint64, raw []byte) ([]byte, int, error) {
	if len(raw) < lengthSize {
		return nil, 0, ErrShortFrame
	}
	l := int(binary.LittleEndian.Uint16(raw))
	if l > MaxChunkSize {
		return nil, 0, fmt.Errorf("transport: frame length %d exceeds capacity %d", l, MaxChunkSize)
	}
	total := lengthSize + l + tagSize
	if len(raw) < total {
		return nil, 0, ErrShortFrame
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: frame key: %w", err)
	}
	nonce := frameNonce(counter)
	chunk, err := aead.Open(nil, nonce[:], raw[lengthSize:total], raw[:lengthSize])
	if err != nil {
		return nil, 0, ErrAuthentication
	}
	return chunk, total, nil
}
