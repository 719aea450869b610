package mesh

import (
	"sync"
	"sync/atomic"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/radon/crypto"
	"github.com/opd-ai/radon/transport"
)

// peerConn owns one transport link. Outbound packets are queued on the
// embedded actor so they leave in the order they were sent and callers
// never block on the network.
type peerConn struct {
	phony.Inbox

	conn      transport.Conn
	session   *Session
	handshake *Handshake

	// authed mirrors session.Phase == PhaseAuthenticated for readers
	// outside the serving goroutine.
	authed    atomic.Bool
	closeOnce sync.Once
}

func newPeerConn(conn transport.Conn, local *crypto.KeyPair, session *Session) *peerConn {
	return &peerConn{
		conn:      conn,
		session:   session,
		handshake: NewHandshake(local, session),
	}
}

// send queues a packet for delivery.
func (p *peerConn) send(pkt transport.Packet) {
	p.Act(nil, func() {
		if err := p.conn.WritePacket(pkt); err != nil {
			p.log("send").WithFields(logrus.Fields{
				"packet_type": pkt.Type(),
				"error":       err.Error(),
			}).Debug("Write failed, closing connection")
			p.close()
		}
	})
}

// closeAfterPending closes the link once every queued packet has been written.
func (p *peerConn) closeAfterPending() {
	p.Act(nil, p.close)
}

// close tears the link down immediately, unblocking the read loop.
func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		p.conn.Close()
	})
}

// log returns an entry carrying the link's immutable fields. It is safe
// to call from the actor as well as the serving goroutine.
func (p *peerConn) log(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function": function,
		"package":  "mesh",
		"session":  p.session.ID.String(),
		"role":     p.session.Role.String(),
		"remote":   p.conn.RemoteAddr(),
	})
}
