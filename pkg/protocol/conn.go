package protocol

import (
	"errors"
	"net"
)

// MaxFrameSize bounds a single frame. Snapshots of pathological size
// are rejected rather than buffered.
const MaxFrameSize = 16 << 20

var (
	// ErrConnClosed reports I/O on a closed connection.
	ErrConnClosed = errors.New("protocol: connection closed")

	// ErrFrameTooLarge reports a frame exceeding MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")
)

// Conn is one framed protocol connection. Send is safe for concurrent
// use; Receive is not and belongs to a single read pump.
type Conn interface {
	// Send encodes env and writes it as one frame.
	Send(env *Envelope) error

	// Receive blocks for the next frame and decodes it.
	Receive() (*Envelope, error)

	// Close tears the connection down. Pending Receive calls fail.
	Close() error

	// RemoteAddr reports the peer address.
	RemoteAddr() net.Addr
}
