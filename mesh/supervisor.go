package mesh

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/radon/config"
	"github.com/opd-ai/radon/transport"
)

// meshWith keeps a link to one configured router for as long as ctx lives.
// Failed dials and ended sessions are both followed by a backoff wait; the
// wait only grows.
func (n *Node) meshWith(ctx context.Context, r config.KnownRouter) {
	backoff := NewBackoff(n.cfg.RetryBase, n.cfg.RetryIncrement)
	logger := logrus.WithFields(logrus.Fields{
		"function": "meshWith",
		"package":  "mesh",
		"address":  r.Address,
		"port":     r.Port,
		"router":   r.PublicKey.Preview(),
	})

	for attempt := 1; ctx.Err() == nil; attempt++ {
		logger.WithField("attempt", attempt).Info("Attempting to mesh")

		conn, err := n.dial(ctx, r)
		if err != nil {
			wait := backoff.Next()
			dialErr := &DialError{Router: transport.Endpoint(r.Address, r.Port), Attempt: attempt, Err: err}
			logger.WithFields(logrus.Fields{
				"error": dialErr.Error(),
				"retry": wait.String(),
			}).Warn("Dial failed")

			if n.sleep(ctx, wait) != nil {
				return
			}
			continue
		}

		n.serve(ctx, conn, newConnectorSession(r.PublicKey))

		wait := backoff.Next()
		logger.WithField("retry", wait.String()).Info("Mesh link closed")
		if n.sleep(ctx, wait) != nil {
			return
		}
	}
}

// acceptLoop hands every inbound link to its own acceptor session.
func (n *Node) acceptLoop(ctx context.Context, l *transport.Listener) error {
	defer l.Close()

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"package":  "mesh",
				"error":    err.Error(),
			}).Error("Listener failed")
			return err
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serve(ctx, conn, newAcceptorSession())
		}()
	}
}

// serve runs one link until it closes: it registers the session, starts
// the handshake when connecting, processes frames strictly in arrival
// order and finally tears the session down.
func (n *Node) serve(ctx context.Context, conn transport.Conn, session *Session) {
	p := newPeerConn(conn, n.identity, session)
	logger := p.log("serve")

	n.mu.Lock()
	n.sessions[session.ID] = p
	n.mu.Unlock()

	stop := context.AfterFunc(ctx, p.close)
	defer stop()

	if timeout := n.handshakeTimeout(); timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			if !p.authed.Load() {
				p.log("serve").WithField("error", ErrHandshakeTimeout.Error()).Warn("Closing unauthenticated connection")
				p.close()
			}
		})
		defer timer.Stop()
	}

	logger.Debug("Session opened")

	if session.Role == RoleConnector {
		hello, err := p.handshake.Begin()
		if err != nil {
			logger.WithField("error", err.Error()).Error("Could not start handshake")
			n.teardown(p)
			return
		}
		p.send(hello)
	}

	for {
		pkt, err := conn.ReadPacket()
		if err != nil {
			entry := logger.WithField("error", err.Error())
			switch {
			case transport.IsDecodeError(err):
				entry.Warn("Malformed frame, closing connection")
			case errors.Is(err, transport.ErrClosed):
				entry.Debug("Connection closed")
			default:
				entry.Info("Transport fault, closing connection")
			}
			break
		}

		if !n.dispatch(p, pkt) {
			break
		}
	}

	n.teardown(p)
}

// teardown deregisters a session. When it was the last authenticated
// session for its peer, the local route to that peer is retracted from
// the table and from every other upstream router. The link is closed once
// queued packets are flushed.
func (n *Node) teardown(p *peerConn) {
	session := p.session

	n.mu.Lock()
	delete(n.sessions, session.ID)
	n.upstreams.Remove(p)

	if session.routed {
		session.routed = false
		n.routed[session.Remote]--

		if n.routed[session.Remote] == 0 {
			delete(n.routed, session.Remote)

			local := n.identity.Public
			n.table.Remove(local, session.Remote, local)
			n.propagate(transport.RouteDel{Client: session.Remote, Router: local}, p)

			p.log("teardown").WithField("peer", session.Remote.Preview()).Info("Retracted route for disconnected peer")
		}
	}
	n.mu.Unlock()

	session.clear()
	p.closeAfterPending()

	p.log("teardown").WithField("phase", session.Phase.String()).Debug("Session closed")
}

// propagate queues pkt on every upstream router link except skip.
// Callers hold n.mu.
func (n *Node) propagate(pkt transport.Packet, skip *peerConn) int {
	sent := 0
	for _, up := range n.upstreams.ToSlice() {
		if up == skip {
			continue
		}
		up.send(pkt)
		sent++
	}
	return sent
}
