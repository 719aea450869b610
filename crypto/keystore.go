package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for key derivation (NIST recommendation)
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current encrypted key file format version
	EncryptionVersion = 1
	// SaltSize is the size of the salt for PBKDF2
	SaltSize = 32
)

// Obtainer loads the local identity, creating it on first use.
type Obtainer interface {
	Obtain() (*KeyPair, error)
}

// KeyStoreError reports an I/O failure against the key location.
type KeyStoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *KeyStoreError) Error() string {
	return fmt.Sprintf("key store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *KeyStoreError) Unwrap() error {
	return e.Err
}

// FileKeyStore persists the raw 32-byte private key at Path.
type FileKeyStore struct {
	Path string
}

// NewFileKeyStore returns a key store backed by the file at path.
func NewFileKeyStore(path string) *FileKeyStore {
	return &FileKeyStore{Path: path}
}

// DefaultKeyPath returns ~/.local/share/radon/pk.bin.
func DefaultKeyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "radon", "pk.bin"), nil
}

// Obtain returns the stored key pair, generating and persisting a fresh
// one if none exists yet.
func (s *FileKeyStore) Obtain() (*KeyPair, error) {
	return obtain(s.Path, rawKey, func(sk []byte) ([]byte, error) {
		out := make([]byte, len(sk))
		copy(out, sk)
		return out, nil
	})
}

func rawKey(data []byte) ([]byte, error) {
	if len(data) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrKeyFormat, len(data), KeySize)
	}
	return data, nil
}

// EncryptedKeyStore persists the private key sealed with AES-256-GCM under
// a key derived from a passphrase.
//
// File format: [version:2][salt:32][nonce:12][ciphertext+tag:N]
type EncryptedKeyStore struct {
	Path       string
	passphrase []byte
}

// NewEncryptedKeyStore creates a key store with encryption at rest.
func NewEncryptedKeyStore(path string, passphrase []byte) (*EncryptedKeyStore, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}

	pass := make([]byte, len(passphrase))
	copy(pass, passphrase)

	return &EncryptedKeyStore{Path: path, passphrase: pass}, nil
}

// Obtain returns the stored key pair, generating and persisting a fresh
// one if none exists yet. A wrong passphrase surfaces as ErrKeyFormat.
func (s *EncryptedKeyStore) Obtain() (*KeyPair, error) {
	return obtain(s.Path, s.open, s.seal)
}

// Close wipes the passphrase from memory.
func (s *EncryptedKeyStore) Close() error {
	return SecureWipe(s.passphrase)
}

func (s *EncryptedKeyStore) gcm(salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key(s.passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	defer ZeroBytes(derived)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (s *EncryptedKeyStore) seal(sk []byte) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := s.gcm(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 2, 2+SaltSize+len(nonce)+len(sk)+gcm.Overhead())
	binary.BigEndian.PutUint16(out, EncryptionVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, sk, nil), nil
}

func (s *EncryptedKeyStore) open(data []byte) ([]byte, error) {
	if len(data) < 2+SaltSize+12+16 {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrKeyFormat, len(data))
	}

	if version := binary.BigEndian.Uint16(data[:2]); version != EncryptionVersion {
		return nil, fmt.Errorf("%w: unsupported encryption version %d", ErrKeyFormat, version)
	}

	salt := data[2 : 2+SaltSize]
	gcm, err := s.gcm(salt)
	if err != nil {
		return nil, err
	}

	rest := data[2+SaltSize:]
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	sk, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed (wrong passphrase or corrupted data)", ErrKeyFormat)
	}
	return rawKey(sk)
}

// obtain implements the load-or-create contract shared by both stores.
func obtain(path string, decode, encode func([]byte) ([]byte, error)) (*KeyPair, error) {
	logger := NewLogger("obtain").WithField("path", path)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if info, statErr := os.Stat(path); statErr == nil && info.Mode().Perm()&0o077 != 0 {
			logger.WithField("mode", info.Mode().Perm().String()).Warn("Key file is accessible to other users")
		}

		sk, err := decode(data)
		if err != nil {
			logger.WithError(err, "key_format", "decode").Error("Stored key material is invalid")
			return nil, err
		}

		var secret [32]byte
		copy(secret[:], sk)
		ZeroBytes(sk)

		kp, err := FromSecretKey(secret)
		if err != nil {
			return nil, err
		}
		logger.WithField("public_key", kp.Public.Preview()).Debug("Loaded identity")
		return kp, nil

	case !errors.Is(err, fs.ErrNotExist):
		return nil, &KeyStoreError{Op: "read", Path: path, Err: err}
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	encoded, err := encode(kp.Private[:])
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(encoded)

	if err := writeAtomic(path, encoded); err != nil {
		return nil, err
	}

	logger.WithField("public_key", kp.Public.Preview()).Info("Generated new identity")
	return kp, nil
}

// writeAtomic writes data via a temporary file and rename.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &KeyStoreError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &KeyStoreError{Op: "write", Path: tmp, Err: err}
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &KeyStoreError{Op: "rename", Path: path, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"function": "writeAtomic",
		"package":  "crypto",
		"path":     path,
	}).Debug("Key material persisted")
	return nil
}
