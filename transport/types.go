package transport

import (
	"errors"
)

// DefaultPort is the port routers listen on unless configured otherwise.
const DefaultPort = 26104

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 1 << 20

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is one ordered, reliable, message-framed duplex link to a peer.
// Closing it unblocks any pending ReadPacket.
type Conn interface {
	// ReadPacket blocks for the next frame. A frame that does not decode
	// yields a *DecodeError; a transport fault yields any other error.
	ReadPacket() (Packet, error)

	// WritePacket encodes and sends one frame.
	WritePacket(p Packet) error

	// Close tears the link down. It is safe to call more than once.
	Close() error

	// RemoteAddr describes the far end for logging.
	RemoteAddr() string
}

// IsDecodeError reports whether err came from a frame that failed to decode.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
