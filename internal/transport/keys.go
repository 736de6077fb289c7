package transport

import (
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize = chacha20poly1305.KeySize

	controlSalt     = "Control-Salt"
	requestKeyInfo  = "Control-Write-Encryption-Key"
	responseKeyInfo = "Control-Read-Encryption-Key"
)

// KeyStore holds one connection's session keys, produced by the verify
// step of the pairing handshake. RequestKey decrypts controller-to-
// accessory frames; ResponseKey encrypts accessory-to-controller frames.
// The transport holds the store by reference and only ever reads it.
type KeyStore struct {
	RequestKey  [keySize]byte
	ResponseKey [keySize]byte
}

// DeriveKeyStore expands the handshake's shared secret into the two
// directional session keys via HKDF-SHA512.
func DeriveKeyStore(sharedSecret []byte) (*KeyStore, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("transport: empty shared secret")
	}
	ks := &KeyStore{}
	if err := deriveKey(ks.RequestKey[:], sharedSecret, requestKeyInfo); err != nil {
		return nil, err
	}
	if err := deriveKey(ks.ResponseKey[:], sharedSecret, responseKeyInfo); err != nil {
		return nil, err
	}
	return ks, nil
}

func deriveKey(dst, secret []byte, info string) error {
	r := hkdf.New(sha512.New, secret, []byte(controlSalt), []byte(info))
	if _, err := io.ReadFull(r, dst); err != nil {
		return fmt.Errorf("transport: deriving %s: %w", info, err)
	}
	return nil
}
