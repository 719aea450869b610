package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"
)

// NonceSize is the size of the random nonce prepended to every sealed blob.
const NonceSize = 24

// MaxMessageSize bounds plaintexts accepted by Seal.
const MaxMessageSize = 64 * 1024

// Channel is an authenticated-encryption channel bound to one local private
// key and one remote public key. Only the holder of the remote private key
// can open what Seal produces, and Open only accepts blobs sealed by the
// remote private key for the local public key.
type Channel struct {
	local  [32]byte
	remote PublicKey
}

// NewChannel binds a channel to the local key pair and a remote identity.
func NewChannel(local *KeyPair, remote PublicKey) *Channel {
	return &Channel{
		local:  local.Private,
		remote: remote,
	}
}

// Seal encrypts plaintext for the remote key. The result is the base64
// encoding of nonce || box.
func (c *Channel) Seal(plaintext []byte) (string, error) {
	if len(plaintext) > MaxMessageSize {
		return "", fmt.Errorf("message too large: %d bytes", len(plaintext))
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	remote := [32]byte(c.remote)
	sealed := box.Seal(nonce[:], plaintext, &nonce, &remote, &c.local)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open verifies and decrypts a blob produced by the remote side's Seal.
// Every failure, including malformed encoding, is reported as ErrAuthFailure.
func (c *Channel) Open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrAuthFailure)
	}
	if len(raw) < NonceSize+box.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthFailure)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], raw[:NonceSize])
	remote := [32]byte(c.remote)

	plaintext, ok := box.Open(nil, raw[NonceSize:], &nonce, &remote, &c.local)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Channel.Open",
			"package":  "crypto",
			"remote":   c.remote.Preview(),
		}).Debug("Ciphertext failed verification")
		return nil, ErrAuthFailure
	}

	return plaintext, nil
}

// Wipe clears the private key held by the channel.
func (c *Channel) Wipe() {
	ZeroBytes(c.local[:])
}
