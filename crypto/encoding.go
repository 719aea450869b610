package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the length in bytes of a Curve25519 public or private key.
const KeySize = 32

var (
	// ErrKeyFormat indicates bytes that are not a valid key encoding.
	ErrKeyFormat = errors.New("invalid key format")

	// ErrAuthFailure indicates ciphertext that does not verify against
	// the channel's key pair.
	ErrAuthFailure = errors.New("authentication failed")
)

// PublicKey is a peer identity. Its canonical textual form is standard
// base64, which is what appears on the wire and in configuration.
type PublicKey [KeySize]byte

// ParsePublicKey decodes the canonical base64 form of a public key.
func ParsePublicKey(text string) (PublicKey, error) {
	var pk PublicKey

	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return pk, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	if len(raw) != KeySize {
		return pk, fmt.Errorf("%w: got %d bytes, want %d", ErrKeyFormat, len(raw), KeySize)
	}

	copy(pk[:], raw)
	return pk, nil
}

// String returns the canonical base64 encoding.
func (pk PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(pk[:])
}

// Preview returns a short prefix of the encoding suitable for log fields.
func (pk PublicKey) Preview() string {
	return pk.String()[:12] + "..."
}

// IsZero reports whether the key is unset.
func (pk PublicKey) IsZero() bool {
	return isZeroKey(pk)
}

// MarshalText implements encoding.TextMarshaler.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}
