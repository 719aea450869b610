package transport

import (
	"sync"
)

const pipeBuffer = 64

// PipeConn is one end of an in-memory Conn pair. Frames are encoded and
// decoded exactly as on a real link.
type PipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	done   chan struct{}
	once   *sync.Once
	remote string
}

// Pipe returns two connected in-memory ends. Closing either end closes both.
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := new(sync.Once)

	a := &PipeConn{in: ba, out: ab, done: done, once: once, remote: "pipe:b"}
	b := &PipeConn{in: ab, out: ba, done: done, once: once, remote: "pipe:a"}
	return a, b
}

// ReadPacket implements Conn. Frames written before Close are still
// delivered.
func (c *PipeConn) ReadPacket() (Packet, error) {
	select {
	case data := <-c.in:
		return Decode(data)
	case <-c.done:
		select {
		case data := <-c.in:
			return Decode(data)
		default:
			return nil, ErrClosed
		}
	}
}

// WritePacket implements Conn.
func (c *PipeConn) WritePacket(p Packet) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	return c.WriteFrame(data)
}

// WriteFrame sends raw bytes as one frame without encoding them.
func (c *PipeConn) WriteFrame(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close implements Conn.
func (c *PipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Closed reports whether the pipe has been closed from either end.
func (c *PipeConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// RemoteAddr implements Conn.
func (c *PipeConn) RemoteAddr() string {
	return c.remote
}
