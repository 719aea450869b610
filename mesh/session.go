package mesh

import (
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/radon/crypto"
)

// Role is the side of the handshake a connection plays.
type Role int

const (
	// RoleConnector dialed a configured router and proves its identity.
	RoleConnector Role = iota
	// RoleAcceptor accepted the link and issues the challenge.
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleConnector {
		return "connector"
	}
	return "acceptor"
}

// Phase is the handshake state of a connection.
type Phase int

const (
	// PhaseIdle is a fresh link before any handshake frame.
	PhaseIdle Phase = iota
	// PhaseAwaitingChallenge is a connector that sent its hello.
	PhaseAwaitingChallenge
	// PhaseChallengeSent is an acceptor waiting for the sealed echo.
	PhaseChallengeSent
	// PhaseChallengeAnswered is a connector waiting for the verdict.
	PhaseChallengeAnswered
	// PhaseAuthenticated means the remote identity is proven.
	PhaseAuthenticated
	// PhaseRejected is terminal; the link is about to close.
	PhaseRejected
)

var phaseNames = map[Phase]string{
	PhaseIdle:              "idle",
	PhaseAwaitingChallenge: "awaiting_challenge",
	PhaseChallengeSent:     "challenge_sent",
	PhaseChallengeAnswered: "challenge_answered",
	PhaseAuthenticated:     "authenticated",
	PhaseRejected:          "rejected",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Session is the state attached to one live connection. It is created when
// the link is dialed or accepted and discarded when the link closes. Only
// the goroutine serving the connection touches it.
type Session struct {
	ID     uuid.UUID
	Role   Role
	Phase  Phase
	Opened time.Time

	// Remote is bound once the peer has proven its identity.
	Remote crypto.PublicKey

	// expected is the identity a connector dialed.
	expected crypto.PublicKey

	// claimed and nonce are held by an acceptor between challenge and response.
	claimed crypto.PublicKey
	nonce   []byte

	// router is set when Remote is recognized as a router.
	router bool

	// routed is set when this session registered Remote in the table.
	routed bool
}

func newConnectorSession(expected crypto.PublicKey) *Session {
	return &Session{
		ID:       uuid.New(),
		Role:     RoleConnector,
		Phase:    PhaseIdle,
		Opened:   time.Now(),
		expected: expected,
	}
}

func newAcceptorSession() *Session {
	return &Session{
		ID:     uuid.New(),
		Role:   RoleAcceptor,
		Phase:  PhaseIdle,
		Opened: time.Now(),
	}
}

// Authenticated reports whether the handshake completed successfully.
func (s *Session) Authenticated() bool {
	return s.Phase == PhaseAuthenticated
}

// clear drops per-handshake secrets.
func (s *Session) clear() {
	if s.nonce != nil {
		crypto.ZeroBytes(s.nonce)
		s.nonce = nil
	}
}
