package protocol

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

// ALPN is the protocol identifier negotiated during the QUIC handshake.
const ALPN = "driftsync-v1"

var _ Conn = (*quicConn)(nil)

// quicConn frames envelopes as length-prefixed records on a single
// bidirectional stream.
type quicConn struct {
	conn    quic.Connection
	stream  quic.Stream
	writeMu sync.Mutex
	closed  atomic.Bool
}

// DialQUIC connects to a daemon's QUIC listener. A nil tlsConf uses the
// insecure development config.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	if tlsConf == nil {
		tlsConf = DevClientTLS()
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("protocol: dial quic %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("protocol: open quic stream: %w", err)
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

// QUICListener accepts framed protocol connections over QUIC.
type QUICListener struct {
	listener *quic.Listener
}

// ListenQUIC starts a QUIC listener on addr. A nil tlsConf uses a
// freshly generated self-signed development config.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	if tlsConf == nil {
		var err error
		tlsConf, err = DevServerTLS()
		if err != nil {
			return nil, err
		}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}

	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("protocol: listen quic %s: %w", addr, err)
	}
	return &QUICListener{listener: listener}, nil
}

// Accept blocks for the next connection and its initial stream. The
// client opens the stream with its hello frame, so accepting the stream
// here does not stall.
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("protocol: accept quic connection: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("protocol: accept quic stream: %w", err)
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

// Addr reports the bound address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops accepting.
func (l *QUICListener) Close() error {
	return l.listener.Close()
}

func (c *quicConn) Send(env *Envelope) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	if len(raw) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(raw)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err = c.stream.Write(header[:]); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if _, err = c.stream.Write(raw); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

func (c *quicConn) Receive() (*Envelope, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	var header [4]byte
	if _, err := io.ReadFull(c.stream, header[:]); err != nil {
		if c.closed.Load() {
			return nil, ErrConnClosed
		}
		return nil, fmt.Errorf("protocol: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	raw := make([]byte, size)
	if _, err := io.ReadFull(c.stream, raw); err != nil {
		return nil, fmt.Errorf("protocol: read frame: %w", err)
	}
	return Decode(raw)
}

func (c *quicConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
