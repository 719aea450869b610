package mesh

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/radon/transport"
)

// APIDisabledMessage is sent to peers that try to authenticate with a node.
const APIDisabledMessage = "API disabled."

// dispatch interprets one packet against the link's state. It returns
// false when the link must be closed.
func (n *Node) dispatch(p *peerConn, pkt transport.Packet) bool {
	switch pkt := pkt.(type) {
	case transport.AuthHello:
		return n.handleHello(p, pkt)
	case transport.AuthChallenge:
		return n.handleChallenge(p, pkt)
	case transport.AuthResponse:
		return n.handleResponse(p, pkt)
	case transport.Ack:
		return n.handleAck(p, pkt)
	case transport.RouteRequest:
		n.handleRouteRequest(p)
	case transport.RouteTable:
		n.handleRouteTable(p, pkt)
	case transport.RouteAdd:
		n.handleRouteAdd(p, pkt)
	case transport.RouteDel:
		n.handleRouteDel(p, pkt)
	case transport.ErrorMessage:
		p.log("dispatch").WithField("message", pkt.Message).Warn("Peer reported an error")
		return false
	default:
		n.drop(p, pkt, "unhandled packet")
	}
	return true
}

func (n *Node) drop(p *peerConn, pkt transport.Packet, reason string) {
	p.log("dispatch").WithFields(logrus.Fields{
		"packet_type": pkt.Type(),
		"packet":      typeName(pkt),
		"phase":       p.session.Phase.String(),
		"reason":      reason,
	}).Warn("Dropping packet")
}

func (n *Node) handleHello(p *peerConn, hello transport.AuthHello) bool {
	if p.session.Role != RoleAcceptor {
		n.drop(p, hello, "connector does not authenticate")
		return true
	}

	if !n.isRouter() {
		p.send(transport.ErrorMessage{Message: APIDisabledMessage})
		return true
	}

	challenge, err := p.handshake.Challenge(hello)
	if err != nil {
		if p.session.Phase == PhaseRejected {
			p.log("handleHello").WithField("error", err.Error()).Error("Could not issue challenge")
			return false
		}
		n.drop(p, hello, err.Error())
		return true
	}

	p.log("handleHello").WithField("claimed", hello.PublicKey.Preview()).Debug("Challenge issued")
	p.send(challenge)
	return true
}

func (n *Node) handleChallenge(p *peerConn, ch transport.AuthChallenge) bool {
	resp, err := p.handshake.Answer(ch)
	if err != nil {
		if p.session.Phase == PhaseRejected {
			p.log("handleChallenge").WithField("error", err.Error()).Error("Challenge failed verification")
			return false
		}
		n.drop(p, ch, err.Error())
		return true
	}

	p.send(resp)
	return true
}

func (n *Node) handleResponse(p *peerConn, resp transport.AuthResponse) bool {
	ack, err := p.handshake.Verify(resp)
	if err != nil {
		if p.session.Phase != PhaseRejected {
			n.drop(p, resp, err.Error())
			return true
		}

		p.log("handleResponse").WithField("error", err.Error()).Warn("Handshake rejected")
		p.send(ack)
		return false
	}

	remote := p.session.Remote
	local := n.identity.Public
	p.authed.Store(true)
	p.session.router = n.known.Contains(remote)

	n.mu.Lock()
	p.send(ack)
	if p.session.router {
		n.upstreams.Add(p)
	}
	p.session.routed = true
	n.routed[remote]++
	fanout := 0
	if n.routed[remote] == 1 {
		n.table.Add(local, remote, local)
		fanout = n.propagate(transport.RouteAdd{Client: remote, Router: local}, p)
	}
	n.mu.Unlock()

	p.log("handleResponse").WithFields(logrus.Fields{
		"peer":       remote.String(),
		"router":     p.session.router,
		"propagated": fanout,
	}).Info("New peer connected")
	return true
}

func (n *Node) handleAck(p *peerConn, ack transport.Ack) bool {
	if err := p.handshake.Acknowledge(ack); err != nil {
		if p.session.Phase == PhaseRejected {
			p.log("handleAck").WithField("error", err.Error()).Warn("Router rejected our handshake")
			return false
		}
		n.drop(p, ack, err.Error())
		return true
	}

	p.authed.Store(true)
	p.session.router = true

	n.mu.Lock()
	n.upstreams.Add(p)
	n.mu.Unlock()

	p.log("handleAck").WithField("peer", p.session.Remote.String()).Info("Successfully meshed")
	p.send(transport.RouteRequest{})
	return true
}

func (n *Node) handleRouteRequest(p *peerConn) {
	if !n.isRouter() {
		n.drop(p, transport.RouteRequest{}, "not a router")
		return
	}
	if !p.session.Authenticated() {
		n.drop(p, transport.RouteRequest{}, "not authenticated")
		return
	}

	n.mu.Lock()
	p.send(transport.RouteTable{Routes: n.table.Snapshot()})
	n.mu.Unlock()
}

// fromRouter reports whether table traffic from p may be applied.
func (n *Node) fromRouter(p *peerConn, pkt transport.Packet) bool {
	switch {
	case !p.session.Authenticated():
		n.drop(p, pkt, "not authenticated")
		return false
	case !p.session.router:
		n.drop(p, pkt, "peer is not a router")
		return false
	}
	return true
}

func (n *Node) handleRouteTable(p *peerConn, table transport.RouteTable) {
	if !n.fromRouter(p, table) {
		return
	}

	n.mu.Lock()
	n.table.Merge(p.session.Remote, table.Routes)
	n.mu.Unlock()

	p.log("handleRouteTable").WithField("destinations", len(table.Routes)).Info("Merged routing table")
}

func (n *Node) handleRouteAdd(p *peerConn, add transport.RouteAdd) {
	if !n.fromRouter(p, add) {
		return
	}

	n.mu.Lock()
	changed := n.table.Add(p.session.Remote, add.Client, add.Router)
	n.mu.Unlock()

	p.log("handleRouteAdd").WithFields(logrus.Fields{
		"client":  add.Client.Preview(),
		"router":  add.Router.Preview(),
		"changed": changed,
	}).Debug("Route added")
}

func (n *Node) handleRouteDel(p *peerConn, del transport.RouteDel) {
	if !n.fromRouter(p, del) {
		return
	}

	n.mu.Lock()
	changed := n.table.Remove(p.session.Remote, del.Client, del.Router)
	n.mu.Unlock()

	p.log("handleRouteDel").WithFields(logrus.Fields{
		"client":  del.Client.Preview(),
		"router":  del.Router.Preview(),
		"changed": changed,
	}).Debug("Route removed")
}

func typeName(pkt transport.Packet) string {
	switch pkt.(type) {
	case transport.AuthHello:
		return "auth_hello"
	case transport.AuthChallenge:
		return "auth_challenge"
	case transport.AuthResponse:
		return "auth_response"
	case transport.RouteTable:
		return "route_table"
	case transport.RouteRequest:
		return "route_request"
	}
	return string(pkt.Type())
}
