package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe attempts to securely erase the contents of a byte slice
// containing sensitive data. It returns an error if the byte slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	// Keep the compiler from eliding the overwrite.
	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)

	return nil
}

// ZeroBytes erases the contents of a byte slice containing sensitive data.
// This is a convenience function that ignores the error from SecureWipe.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair securely erases the private key in a KeyPair.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}

// ConstantTimeEqual compares two byte slices without leaking the position
// of the first difference.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
