package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/radon/config"
	"github.com/opd-ai/radon/crypto"
	"github.com/opd-ai/radon/routing"
	"github.com/opd-ai/radon/transport"
)

// Dialer opens a link to a configured router.
type Dialer func(ctx context.Context, router config.KnownRouter) (transport.Conn, error)

// Option customizes a Node.
type Option func(*Node)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(n *Node) { n.dial = d }
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(s Sleeper) Option {
	return func(n *Node) { n.sleep = s }
}

// Node is one running mesh participant: its identity, its routing table
// and every live link.
type Node struct {
	cfg      *config.Config
	identity *crypto.KeyPair
	table    *routing.Table
	known    mapset.Set[crypto.PublicKey]

	dial  Dialer
	sleep Sleeper

	// mu serializes every table mutation together with the propagation
	// it triggers, and guards upstreams, sessions and routed.
	mu        sync.Mutex
	upstreams mapset.Set[*peerConn]
	sessions  map[uuid.UUID]*peerConn

	// routed counts authenticated sessions per peer holding a local route.
	routed map[crypto.PublicKey]int

	listener *transport.Listener
	ready    chan struct{}
	wg       sync.WaitGroup
}

// New creates a node from a validated configuration and the local identity.
func New(cfg *config.Config, identity *crypto.KeyPair, opts ...Option) (*Node, error) {
	if cfg == nil || identity == nil {
		return nil, errors.New("mesh: config and identity are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mesh: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		identity:  identity,
		table:     routing.NewTable(identity.Public),
		known:     mapset.NewSet[crypto.PublicKey](),
		sleep:     sleepContext,
		upstreams: mapset.NewThreadUnsafeSet[*peerConn](),
		sessions:  make(map[uuid.UUID]*peerConn),
		routed:    make(map[crypto.PublicKey]int),
		ready:     make(chan struct{}),
	}
	n.dial = n.dialWebsocket

	for _, r := range cfg.KnownRouters() {
		n.known.Add(r.PublicKey)
	}

	for _, opt := range opts {
		opt(n)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"package":    "mesh",
		"mode":       cfg.Mode,
		"public_key": identity.Public.String(),
	}).Info("Radon node created")

	return n, nil
}

func (n *Node) dialWebsocket(ctx context.Context, r config.KnownRouter) (transport.Conn, error) {
	return transport.Dial(ctx, r.Address, r.Port, n.cfg.DialTimeout)
}

// Start runs the node until ctx is cancelled or the listener fails. It
// listens for inbound links when configured to and keeps one mesh loop
// per known router other than itself.
func (n *Node) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if n.cfg.ShouldListen() {
		l, err := transport.Listen(n.cfg.ListenAddress, n.cfg.Port)
		if err != nil {
			close(n.ready)
			return fmt.Errorf("mesh: listen: %w", err)
		}
		n.listener = l
		g.Go(func() error { return n.acceptLoop(gctx, l) })
	}
	close(n.ready)

	for _, r := range n.cfg.KnownRouters() {
		if r.PublicKey == n.identity.Public {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"package":  "mesh",
				"address":  r.Address,
			}).Info("Skipping self in known routers")
			continue
		}

		g.Go(func() error {
			n.meshWith(gctx, r)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"package":  "mesh",
		"mode":     n.cfg.Mode,
	}).Info("Radon initialized")

	err := g.Wait()
	n.wg.Wait()

	if err != nil {
		return err
	}
	return ctx.Err()
}

// Ready is closed once Start has bound its listener (or decided not to).
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// Addr returns the listener address, or nil when not listening.
func (n *Node) Addr() net.Addr {
	select {
	case <-n.ready:
	default:
		return nil
	}
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// PublicKey returns the local identity.
func (n *Node) PublicKey() crypto.PublicKey {
	return n.identity.Public
}

// Mode returns the configured mode.
func (n *Node) Mode() config.Mode {
	return n.cfg.Mode
}

// Table exposes the routing table for inspection.
func (n *Node) Table() *routing.Table {
	return n.table
}

// Upstreams returns the number of authenticated links to routers.
func (n *Node) Upstreams() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.upstreams.Cardinality()
}

// Sessions returns the number of live links.
func (n *Node) Sessions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

func (n *Node) isRouter() bool {
	return n.Mode() == config.ModeRouter
}

func (n *Node) handshakeTimeout() time.Duration {
	return n.cfg.HandshakeTimeout
}
