package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a NaCl crypto_box key pair identifying one mesh peer.
type KeyPair struct {
	Public  PublicKey
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	keyPair := &KeyPair{
		Public:  PublicKey(*publicKey),
		Private: *privateKey,
	}

	return keyPair, nil
}

// FromSecretKey rebuilds a key pair from an existing private key,
// deriving the public half with X25519 base-point multiplication.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, fmt.Errorf("%w: all zeros", ErrKeyFormat)
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], public)
	return keyPair, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
