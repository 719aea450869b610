package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/Arceliar/phony"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/radon/config"
	"github.com/opd-ai/radon/crypto"
	"github.com/opd-ai/radon/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// newTestNode builds a node that recognizes the given identities as routers.
func newTestNode(t *testing.T, mode config.Mode, id *crypto.KeyPair, routers ...*crypto.KeyPair) *Node {
	t.Helper()

	cfg := config.Default()
	cfg.Mode = mode
	cfg.HandshakeTimeout = 0
	for _, r := range routers {
		cfg.Routers = append(cfg.Routers, config.KnownRouter{Address: "127.0.0.1", PublicKey: r.Public})
	}

	n, err := New(cfg, id)
	require.NoError(t, err)
	return n
}

// link connects connector to acceptor over an in-memory pipe and returns
// the connector's end.
func link(t *testing.T, ctx context.Context, connector, acceptor *Node) *transport.PipeConn {
	t.Helper()
	a, b := transport.Pipe()

	go acceptor.serve(ctx, b, newAcceptorSession())
	go connector.serve(ctx, a, newConnectorSession(acceptor.PublicKey()))
	return a
}

// rawClient attaches a bare pipe to an acceptor session on n.
func rawClient(ctx context.Context, n *Node) *transport.PipeConn {
	a, b := transport.Pipe()
	go n.serve(ctx, b, newAcceptorSession())
	return a
}

func readPacket(t *testing.T, c transport.Conn) transport.Packet {
	t.Helper()
	type result struct {
		p   transport.Packet
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := c.ReadPacket()
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.p
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

// authenticate completes the handshake by hand as id against router.
func authenticate(t *testing.T, c transport.Conn, id, router *crypto.KeyPair) {
	t.Helper()
	require.NoError(t, c.WritePacket(transport.AuthHello{PublicKey: id.Public}))

	challenge, ok := readPacket(t, c).(transport.AuthChallenge)
	require.True(t, ok)

	ch := crypto.NewChannel(id, router.Public)
	nonce, err := ch.Open(challenge.Challenge)
	require.NoError(t, err)
	sealed, err := ch.Seal(nonce)
	require.NoError(t, err)
	require.NoError(t, c.WritePacket(transport.AuthResponse{EncryptedResponse: sealed}))

	assert.Equal(t, transport.Ack{Success: true}, readPacket(t, c))
}

func routes(keys ...*crypto.KeyPair) []crypto.PublicKey {
	out := make([]crypto.PublicKey, len(keys))
	for i, k := range keys {
		out[i] = k.Public
	}
	return out
}

func TestRouterAuthenticatesNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rID, nID := newIdentity(t), newIdentity(t)
	router := newTestNode(t, config.ModeRouter, rID)
	node := newTestNode(t, config.ModeNode, nID, rID)

	link(t, ctx, node, router)

	require.Eventually(t, func() bool {
		return router.Table().Has(nID.Public, rID.Public)
	}, waitFor, tick)
	assert.Equal(t, routes(rID), router.Table().Routers(nID.Public))
	assert.Equal(t, 0, router.Upstreams(), "a plain node is not an upstream router")

	// The node pulled the router's table after authenticating.
	require.Eventually(t, func() bool {
		return node.Table().Has(nID.Public, rID.Public)
	}, waitFor, tick)
	assert.Equal(t, 1, node.Upstreams())
}

func TestRouterRejectsWrongEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rID, nID := newIdentity(t), newIdentity(t)
	router := newTestNode(t, config.ModeRouter, rID)
	c := rawClient(ctx, router)

	require.NoError(t, c.WritePacket(transport.AuthHello{PublicKey: nID.Public}))
	_, ok := readPacket(t, c).(transport.AuthChallenge)
	require.True(t, ok)

	wrong, err := crypto.NewChannel(nID, rID.Public).Seal([]byte("wrong"))
	require.NoError(t, err)
	require.NoError(t, c.WritePacket(transport.AuthResponse{EncryptedResponse: wrong}))

	assert.Equal(t, transport.Ack{Success: false}, readPacket(t, c))
	require.Eventually(t, c.Closed, waitFor, tick)
	assert.Equal(t, 0, router.Table().Len())
	assert.Eventually(t, func() bool { return router.Sessions() == 0 }, waitFor, tick)
}

func TestNodeModeRefusesAuthentication(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nID, peer := newIdentity(t), newIdentity(t)
	node := newTestNode(t, config.ModeNode, nID)
	c := rawClient(ctx, node)

	require.NoError(t, c.WritePacket(transport.AuthHello{PublicKey: peer.Public}))
	assert.Equal(t, transport.ErrorMessage{Message: APIDisabledMessage}, readPacket(t, c))
	assert.Equal(t, 0, node.Table().Len())
}

func TestConnectorClosesOnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := newIdentity(t), newIdentity(t)
	nodeA := newTestNode(t, config.ModeNode, a, b)
	nodeB := newTestNode(t, config.ModeNode, b)

	c := link(t, ctx, nodeA, nodeB)
	require.Eventually(t, c.Closed, waitFor, tick)
	assert.Equal(t, 0, nodeA.Upstreams())
}

func TestRouteTrafficRequiresAuthenticatedRouter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rID, nID, x, y := newIdentity(t), newIdentity(t), newIdentity(t), newIdentity(t)
	router := newTestNode(t, config.ModeRouter, rID)

	t.Run("unauthenticated", func(t *testing.T) {
		c := rawClient(ctx, router)
		require.NoError(t, c.WritePacket(transport.RouteAdd{Client: x.Public, Router: y.Public}))
		require.NoError(t, c.WritePacket(transport.RouteTable{Routes: map[crypto.PublicKey][]crypto.PublicKey{x.Public: {y.Public}}}))
		require.NoError(t, c.WritePacket(transport.RouteRequest{}))

		// Still open and still able to authenticate.
		authenticate(t, c, nID, rID)
		assert.False(t, router.Table().Has(x.Public, y.Public))
	})

	t.Run("authenticated but not a router", func(t *testing.T) {
		c := rawClient(ctx, router)
		authenticate(t, c, x, rID)
		require.NoError(t, c.WritePacket(transport.RouteAdd{Client: y.Public, Router: x.Public}))
		require.NoError(t, c.WritePacket(transport.RouteRequest{}))

		table, ok := readPacket(t, c).(transport.RouteTable)
		require.True(t, ok)
		assert.NotContains(t, table.Routes, y.Public)
		assert.Contains(t, table.Routes, x.Public)
		assert.False(t, router.Table().Has(y.Public, x.Public))
	})
}

func TestRouteUpdatesFromUpstream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rID, peer, x, r2 := newIdentity(t), newIdentity(t), newIdentity(t), newIdentity(t)
	router := newTestNode(t, config.ModeRouter, rID, peer)
	c := rawClient(ctx, router)
	authenticate(t, c, peer, rID)

	require.Eventually(t, func() bool { return router.Upstreams() == 1 }, waitFor, tick)

	add := transport.RouteAdd{Client: x.Public, Router: r2.Public}
	require.NoError(t, c.WritePacket(add))
	require.NoError(t, c.WritePacket(add))
	require.Eventually(t, func() bool { return router.Table().Has(x.Public, r2.Public) }, waitFor, tick)

	require.NoError(t, c.WritePacket(transport.RouteDel{Client: x.Public, Router: peer.Public}))
	require.NoError(t, c.WritePacket(transport.RouteRequest{}))
	table, ok := readPacket(t, c).(transport.RouteTable)
	require.True(t, ok)
	assert.Equal(t, routes(r2), table.Routes[x.Public], "duplicate add collapsed, absent delete ignored")

	require.NoError(t, c.WritePacket(transport.RouteTable{Routes: map[crypto.PublicKey][]crypto.PublicKey{
		x.Public: {peer.Public},
	}}))
	require.Eventually(t, func() bool {
		got := router.Table().Routers(x.Public)
		return len(got) == 1 && got[0] == peer.Public
	}, waitFor, tick)

	require.NoError(t, c.WritePacket(transport.RouteDel{Client: x.Public, Router: peer.Public}))
	require.Eventually(t, func() bool { return router.Table().Routers(x.Public) == nil }, waitFor, tick)
}

func TestRouteAddPropagatesToUpstreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rID, upID, nID := newIdentity(t), newIdentity(t), newIdentity(t)
	router := newTestNode(t, config.ModeRouter, rID, upID)

	up := rawClient(ctx, router)
	authenticate(t, up, upID, rID)

	node := rawClient(ctx, router)
	authenticate(t, node, nID, rID)

	assert.Equal(t, transport.RouteAdd{Client: nID.Public, Router: rID.Public}, readPacket(t, up))

	require.NoError(t, node.Close())
	assert.Equal(t, transport.RouteDel{Client: nID.Public, Router: rID.Public}, readPacket(t, up))
	assert.Eventually(t, func() bool { return !router.Table().Has(nID.Public, rID.Public) }, waitFor, tick)
}

func TestTwoRoutersRetractOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r1ID, r2ID, nID := newIdentity(t), newIdentity(t), newIdentity(t)
	r1 := newTestNode(t, config.ModeRouter, r1ID, r2ID)
	r2 := newTestNode(t, config.ModeRouter, r2ID, r1ID)
	node := newTestNode(t, config.ModeNode, nID, r1ID, r2ID)

	link(t, ctx, r2, r1)
	require.Eventually(t, func() bool {
		return r1.Upstreams() == 1 && r2.Upstreams() == 1 && r2.Table().Has(r2ID.Public, r1ID.Public)
	}, waitFor, tick)

	c1 := link(t, ctx, node, r1)
	c2 := link(t, ctx, node, r2)

	require.Eventually(t, func() bool {
		return len(r1.Table().Routers(nID.Public)) == 2 && len(r2.Table().Routers(nID.Public)) == 2
	}, waitFor, tick)
	assert.ElementsMatch(t, routes(r1ID, r2ID), r1.Table().Routers(nID.Public))
	assert.ElementsMatch(t, routes(r1ID, r2ID), r2.Table().Routers(nID.Public))

	require.NoError(t, c1.Close())
	require.NoError(t, c2.Close())

	require.Eventually(t, func() bool {
		return r1.Table().Routers(nID.Public) == nil && r2.Table().Routers(nID.Public) == nil
	}, waitFor, tick)
	assert.Equal(t, 1, r1.Upstreams(), "router link survives")
}

func TestDuplicateSessionKeepsRoute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rID, upID, nID := newIdentity(t), newIdentity(t), newIdentity(t)
	router := newTestNode(t, config.ModeRouter, rID, upID)

	up := rawClient(ctx, router)
	authenticate(t, up, upID, rID)

	first := rawClient(ctx, router)
	authenticate(t, first, nID, rID)
	assert.Equal(t, transport.RouteAdd{Client: nID.Public, Router: rID.Public}, readPacket(t, up))

	second := rawClient(ctx, router)
	authenticate(t, second, nID, rID)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return router.Sessions() == 2 }, waitFor, tick)
	assert.True(t, router.Table().Has(nID.Public, rID.Public), "second session still reaches the peer")

	require.NoError(t, second.Close())
	// The next frame upstream is the retraction: no repeated add, no early delete.
	assert.Equal(t, transport.RouteDel{Client: nID.Public, Router: rID.Public}, readPacket(t, up))
	assert.Eventually(t, func() bool { return router.Table().Routers(nID.Public) == nil }, waitFor, tick)
}

func TestTablePushKeepsOtherContributions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rID, p1, p2, nID := newIdentity(t), newIdentity(t), newIdentity(t), newIdentity(t)
	router := newTestNode(t, config.ModeRouter, rID, p1, p2)

	node := rawClient(ctx, router)
	authenticate(t, node, nID, rID)

	up1 := rawClient(ctx, router)
	authenticate(t, up1, p1, rID)
	up2 := rawClient(ctx, router)
	authenticate(t, up2, p2, rID)
	require.Eventually(t, func() bool { return router.Upstreams() == 2 }, waitFor, tick)

	push := func(c transport.Conn, routers ...*crypto.KeyPair) {
		require.NoError(t, c.WritePacket(transport.RouteTable{Routes: map[crypto.PublicKey][]crypto.PublicKey{
			nID.Public: routes(routers...),
		}}))
	}

	push(up1, p1)
	push(up2, p2)
	require.Eventually(t, func() bool { return len(router.Table().Routers(nID.Public)) == 3 }, waitFor, tick)
	assert.ElementsMatch(t, routes(rID, p1, p2), router.Table().Routers(nID.Public))
	assert.Equal(t, rID.Public, router.Table().Routers(nID.Public)[0])

	push(up1)
	require.Eventually(t, func() bool { return !router.Table().Has(nID.Public, p1.Public) }, waitFor, tick)
	assert.Equal(t, routes(rID, p2), router.Table().Routers(nID.Public), "p2's entry and the local entry survive")

	push(up2)
	require.Eventually(t, func() bool { return !router.Table().Has(nID.Public, p2.Public) }, waitFor, tick)
	assert.Equal(t, routes(rID), router.Table().Routers(nID.Public))
}

func TestTablePullKeepsLocalRoute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r1ID, r2ID, nID := newIdentity(t), newIdentity(t), newIdentity(t)
	r1 := newTestNode(t, config.ModeRouter, r1ID, r2ID)
	r2 := newTestNode(t, config.ModeRouter, r2ID)
	node := newTestNode(t, config.ModeNode, nID, r1ID, r2ID)

	link(t, ctx, node, r1)
	link(t, ctx, node, r2)
	require.Eventually(t, func() bool {
		return r1.Table().Has(nID.Public, r1ID.Public) && r2.Table().Has(nID.Public, r2ID.Public)
	}, waitFor, tick)

	// r1 dials r2 and pulls a table that lists only r2 for the node.
	link(t, ctx, r1, r2)
	require.Eventually(t, func() bool { return r1.Table().Has(nID.Public, r2ID.Public) }, waitFor, tick)
	assert.ElementsMatch(t, routes(r1ID, r2ID), r1.Table().Routers(nID.Public))
}

func TestDecodeFailureIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rID, good, bad := newIdentity(t), newIdentity(t), newIdentity(t)
	router := newTestNode(t, config.ModeRouter, rID)

	healthy := rawClient(ctx, router)
	authenticate(t, healthy, good, rID)

	broken := rawClient(ctx, router)
	authenticate(t, broken, bad, rID)
	require.NoError(t, broken.WriteFrame([]byte(`{"type":"BOGUS","data":{}}`)))

	require.Eventually(t, broken.Closed, waitFor, tick)
	require.Eventually(t, func() bool { return !router.Table().Has(bad.Public, rID.Public) }, waitFor, tick)

	assert.False(t, healthy.Closed())
	require.NoError(t, healthy.WritePacket(transport.RouteRequest{}))
	table, ok := readPacket(t, healthy).(transport.RouteTable)
	require.True(t, ok)
	assert.Equal(t, routes(rID), table.Routes[good.Public])
}

func TestHandshakeTimeoutClosesIdleLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rID := newIdentity(t)
	router := newTestNode(t, config.ModeRouter, rID)
	router.cfg.HandshakeTimeout = 250 * time.Millisecond

	idle := rawClient(ctx, router)
	require.Eventually(t, idle.Closed, waitFor, tick)

	done := rawClient(ctx, router)
	authenticate(t, done, newIdentity(t), rID)
	time.Sleep(400 * time.Millisecond)
	assert.False(t, done.Closed())
}

func TestCancelClosesSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	rID := newIdentity(t)
	router := newTestNode(t, config.ModeRouter, rID)
	c := rawClient(ctx, router)
	authenticate(t, c, newIdentity(t), rID)

	cancel()
	require.Eventually(t, c.Closed, waitFor, tick)
	assert.Eventually(t, func() bool { return router.Sessions() == 0 }, waitFor, tick)
}

func TestPeerConnSendOrder(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close()

	p := newPeerConn(a, newIdentity(t), newAcceptorSession())
	for i := 0; i < 20; i++ {
		p.send(transport.ErrorMessage{Message: string(rune('A' + i))})
	}
	phony.Block(p, func() {})

	for i := 0; i < 20; i++ {
		assert.Equal(t, transport.ErrorMessage{Message: string(rune('A' + i))}, readPacket(t, b))
	}
}
