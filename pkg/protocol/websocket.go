package protocol

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

var _ Conn = (*wsConn)(nil)

// wsConn frames envelopes as WebSocket binary messages.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// DialWebSocket connects to a daemon's WebSocket endpoint, e.g.
// "ws://127.0.0.1:7428/sync".
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: dial websocket %s: %w", url, err)
	}
	conn.SetReadLimit(MaxFrameSize)
	return &wsConn{conn: conn}, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// The daemon is a development tool; cross-origin dialing is wanted.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocketHandler returns an http.Handler upgrading each request and
// handing the resulting connection to handle. handle runs on the
// request goroutine and owns the connection's lifetime.
func WebSocketHandler(handle func(Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(MaxFrameSize)
		handle(&wsConn{conn: conn})
	})
}

func (c *wsConn) Send(env *Envelope) error {
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

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err = c.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

func (c *wsConn) Receive() (*Envelope, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return nil, ErrConnClosed
			}
			return nil, fmt.Errorf("protocol: read frame: %w", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return Decode(raw)
	}
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
