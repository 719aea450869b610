package mesh

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/opd-ai/radon/crypto"
	"github.com/opd-ai/radon/transport"
)

// ChallengeSize is the number of random bytes in an acceptor's nonce. The
// nonce travels sealed in its base64 text form.
const ChallengeSize = 32

// Handshake drives the challenge-response exchange for one session.
//
// Connector: Begin -> Answer -> Acknowledge.
// Acceptor: Challenge -> Verify.
//
// Any failure moves the session to PhaseRejected, from which nothing
// advances. A call that does not fit the current role and phase returns
// ErrUnexpectedPacket and leaves the session untouched.
type Handshake struct {
	local   *crypto.KeyPair
	session *Session
}

// NewHandshake binds the local identity to a session.
func NewHandshake(local *crypto.KeyPair, session *Session) *Handshake {
	return &Handshake{local: local, session: session}
}

func (h *Handshake) expect(role Role, phase Phase) error {
	if h.session.Role != role || h.session.Phase != phase {
		return fmt.Errorf("%w: %s in phase %s", ErrUnexpectedPacket, h.session.Role, h.session.Phase)
	}
	return nil
}

func (h *Handshake) reject(err error) error {
	h.session.Phase = PhaseRejected
	h.session.clear()
	return err
}

// Begin opens the exchange by presenting the local public key.
func (h *Handshake) Begin() (transport.AuthHello, error) {
	if err := h.expect(RoleConnector, PhaseIdle); err != nil {
		return transport.AuthHello{}, err
	}

	h.session.Phase = PhaseAwaitingChallenge
	return transport.AuthHello{PublicKey: h.local.Public}, nil
}

// Answer opens the acceptor's challenge with the dialed identity and
// seals the recovered nonce back to it.
func (h *Handshake) Answer(ch transport.AuthChallenge) (transport.AuthResponse, error) {
	if err := h.expect(RoleConnector, PhaseAwaitingChallenge); err != nil {
		return transport.AuthResponse{}, err
	}

	channel := crypto.NewChannel(h.local, h.session.expected)
	defer channel.Wipe()

	nonce, err := channel.Open(ch.Challenge)
	if err != nil {
		return transport.AuthResponse{}, h.reject(err)
	}
	defer crypto.ZeroBytes(nonce)

	sealed, err := channel.Seal(nonce)
	if err != nil {
		return transport.AuthResponse{}, h.reject(err)
	}

	h.session.Phase = PhaseChallengeAnswered
	return transport.AuthResponse{EncryptedResponse: sealed}, nil
}

// Acknowledge applies the acceptor's verdict.
func (h *Handshake) Acknowledge(ack transport.Ack) error {
	if err := h.expect(RoleConnector, PhaseChallengeAnswered); err != nil {
		return err
	}

	if !ack.Success {
		return h.reject(ErrRejected)
	}

	h.session.Phase = PhaseAuthenticated
	h.session.Remote = h.session.expected
	return nil
}

// Challenge issues a fresh nonce sealed for the claimed identity.
func (h *Handshake) Challenge(hello transport.AuthHello) (transport.AuthChallenge, error) {
	if err := h.expect(RoleAcceptor, PhaseIdle); err != nil {
		return transport.AuthChallenge{}, err
	}

	raw := make([]byte, ChallengeSize)
	if _, err := rand.Read(raw); err != nil {
		return transport.AuthChallenge{}, h.reject(fmt.Errorf("generate challenge: %w", err))
	}
	nonce := []byte(base64.StdEncoding.EncodeToString(raw))
	crypto.ZeroBytes(raw)

	channel := crypto.NewChannel(h.local, hello.PublicKey)
	defer channel.Wipe()

	sealed, err := channel.Seal(nonce)
	if err != nil {
		return transport.AuthChallenge{}, h.reject(err)
	}

	h.session.claimed = hello.PublicKey
	h.session.nonce = nonce
	h.session.Phase = PhaseChallengeSent
	return transport.AuthChallenge{Challenge: sealed}, nil
}

// Verify checks the connector's single response. The returned Ack is
// meant for the connector whether or not verification succeeded; err is
// nil only on success.
func (h *Handshake) Verify(resp transport.AuthResponse) (transport.Ack, error) {
	if err := h.expect(RoleAcceptor, PhaseChallengeSent); err != nil {
		return transport.Ack{}, err
	}

	channel := crypto.NewChannel(h.local, h.session.claimed)
	defer channel.Wipe()

	echoed, err := channel.Open(resp.EncryptedResponse)
	if err != nil {
		return transport.Ack{Success: false}, h.reject(err)
	}
	defer crypto.ZeroBytes(echoed)

	if !crypto.ConstantTimeEqual(echoed, h.session.nonce) {
		return transport.Ack{Success: false}, h.reject(ErrChallengeMismatch)
	}

	h.session.clear()
	h.session.Phase = PhaseAuthenticated
	h.session.Remote = h.session.claimed
	return transport.Ack{Success: true}, nil
}
