package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedPacket indicates a packet that is not valid for the
	// connection's role or handshake phase. It is logged and dropped.
	ErrUnexpectedPacket = errors.New("unexpected packet for current state")

	// ErrChallengeMismatch indicates a response that decrypted but did not
	// echo the issued nonce.
	ErrChallengeMismatch = errors.New("challenge response mismatch")

	// ErrRejected indicates the acceptor answered the handshake with failure.
	ErrRejected = errors.New("handshake rejected")

	// ErrHandshakeTimeout indicates a link that did not authenticate in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

// DialError reports one failed attempt to reach a configured router.
type DialError struct {
	Router  string
	Attempt int
	Err     error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s (attempt %d): %v", e.Router, e.Attempt, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}
