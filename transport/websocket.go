package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsReadBuffer   = 4096
	wsWriteBuffer  = 4096
	wsWriteTimeout = 5 * time.Second
	wsCloseTimeout = time.Second
)

// wsConn adapts a websocket connection to Conn. Each text message is one frame.
type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(MaxFrameSize)
	return &wsConn{
		ws:     ws,
		closed: make(chan struct{}),
	}
}

// ReadPacket implements Conn.
func (c *wsConn) ReadPacket() (Packet, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}

	if kind != websocket.TextMessage {
		return nil, &DecodeError{Reason: fmt.Sprintf("unexpected websocket message type %d", kind)}
	}

	return Decode(data)
}

// WritePacket implements Conn.
func (c *wsConn) WritePacket(p Packet) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close implements Conn.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr implements Conn.
func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Endpoint formats the websocket URL of a router.
func Endpoint(address string, port int) string {
	return "ws://" + net.JoinHostPort(address, strconv.Itoa(port)) + "/"
}

// Dial opens a websocket link to address:port. The context bounds only
// connection establishment.
func Dial(ctx context.Context, address string, port int, timeout time.Duration) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		ReadBufferSize:   wsReadBuffer,
		WriteBufferSize:  wsWriteBuffer,
	}

	ws, resp, err := dialer.DialContext(ctx, Endpoint(address, port), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return newWSConn(ws), nil
}

// Listener accepts websocket links on a TCP port.
type Listener struct {
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	conns    chan Conn
	done     chan struct{}
	once     sync.Once
	serveErr chan error
}

// Listen binds address:port and starts serving websocket upgrades on "/".
func Listen(address string, port int) (*Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	l := &Listener{
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBuffer,
			WriteBufferSize: wsWriteBuffer,
			// Peers are authenticated by key, not by browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:    make(chan Conn),
		done:     make(chan struct{}),
		serveErr: make(chan error, 1),
	}
	l.server = &http.Server{
		Handler:           http.HandlerFunc(l.upgrade),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := l.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		l.serveErr <- err
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"package":  "transport",
		"address":  ln.Addr().String(),
	}).Info("Listening for mesh connections")

	return l, nil
}

func (l *Listener) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listener.upgrade",
			"package":  "transport",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Debug("WebSocket upgrade failed")
		return
	}

	conn := newWSConn(ws)
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

// Accept waits for the next inbound link.
func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case err := <-l.serveErr:
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if tcp, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Close stops accepting links. Already accepted links are unaffected.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}
