// Package remote implements the docstore contract over the driftsync
// wire protocol: a client dials the daemon, correlates writes with
// acks, and serves watches from server-pushed snapshots. On connection
// loss it reconnects with exponential backoff and re-issues every
// active watch, so mirrors resynchronize from the snapshots the server
// pushes on re-attach.
package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/pkg/docstore"
	"github.com/driftsync/driftsync/pkg/log"
	"github.com/driftsync/driftsync/pkg/protocol"
)

// Config tunes a remote client.
type Config struct {
	// URL locates the daemon: ws://host:port/sync, wss://..., or
	// quic://host:port.
	URL string

	// Token is presented in the hello frame. Required when the daemon
	// is configured with an auth secret.
	Token string

	// TLS overrides the transport TLS config (wss and quic). Nil uses
	// the insecure development config for quic.
	TLS *tls.Config

	// Log defaults to the process logger.
	Log log.Log

	// RequestTimeout bounds each write's wait for its ack. Defaults to
	// 10 seconds.
	RequestTimeout time.Duration

	// MaxBackoff caps the reconnect delay. Defaults to 30 seconds.
	MaxBackoff time.Duration
}

var _ docstore.Client = (*Client)(nil)

// Client is a docstore.Client served by a remote daemon.
type Client struct {
	cfg Config
	log log.Log

	mu         sync.Mutex
	conn       protocol.Conn
	nextReq    uint64
	nextWatch  uint64
	pending    map[uint64]chan *protocol.Envelope
	docWatches map[uint64]*docWatchState
	setWatches map[uint64]*setWatchState
	closed     bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

type docWatchState struct {
	path string
	fn   func(docstore.DocumentSnapshot)
}

type setWatchState struct {
	spec docstore.QuerySpec
	fn   func(docstore.QuerySnapshot)
}

// Dial connects and authenticates against the daemon at cfg.URL.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.Provide()
	}

	c := &Client{
		cfg:        cfg,
		log:        logger.With(log.String("component", "remote"), log.String("url", cfg.URL)),
		pending:    make(map[uint64]chan *protocol.Envelope),
		docWatches: make(map[uint64]*docWatchState),
		setWatches: make(map[uint64]*setWatchState),
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, runCtx = errgroup.WithContext(runCtx)
	c.group.Go(func() error { return c.run(runCtx) })

	return c, nil
}

// connect dials the transport and performs the hello/welcome exchange.
func (c *Client) connect(ctx context.Context) (protocol.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse url %q: %w", c.cfg.URL, err)
	}

	var conn protocol.Conn
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		conn, err = protocol.DialWebSocket(ctx, c.cfg.URL)
	case "quic":
		conn, err = protocol.DialQUIC(ctx, u.Host, c.cfg.TLS)
	default:
		return nil, fmt.Errorf("remote: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if err = conn.Send(&protocol.Envelope{Op: protocol.OpHello, Token: c.cfg.Token}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	reply, err := conn.Receive()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("remote: await welcome: %w", err)
	}
	if reply.Op != protocol.OpWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("remote: session rejected: %s", reply.Err)
	}
	return conn, nil
}

// run is the read pump plus reconnect supervisor.
func (c *Client) run(ctx context.Context) error {
	for {
		conn := c.currentConn()
		if conn == nil {
			return nil
		}

		err := c.readPump(conn)
		c.failPending(err)
		if c.isClosed() || ctx.Err() != nil {
			return nil
		}
		c.log.Warn("connection lost, reconnecting", log.Error(err))

		if err = c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) readPump(conn protocol.Conn) error {
	for {
		env, err := conn.Receive()
		if err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Op {
	case protocol.OpAck, protocol.OpError:
		c.mu.Lock()
		ch := c.pending[env.ReqID]
		delete(c.pending, env.ReqID)
		c.mu.Unlock()
		if ch != nil {
			ch <- env
		}

	case protocol.OpDocSnapshot:
		c.mu.Lock()
		w := c.docWatches[env.WatchID]
		c.mu.Unlock()
		if w == nil {
			return
		}
		w.fn(docstore.DocumentSnapshot{
			Ref:        newDocRef(c, w.path),
			Exists:     env.Exists,
			UpdateTime: env.UpdateTime,
			Fields:     env.Fields,
		})

	case protocol.OpSetSnapshot:
		c.mu.Lock()
		w := c.setWatches[env.WatchID]
		c.mu.Unlock()
		if w == nil {
			return
		}
		docs := make([]docstore.Document, 0, len(env.Docs))
		for _, d := range env.Docs {
			docs = append(docs, docstore.Document{
				ID:     d.ID,
				Ref:    newDocRef(c, d.Path),
				Fields: d.Fields,
			})
		}
		w.fn(docstore.QuerySnapshot{Docs: docs, UpdateTime: env.UpdateTime})

	case protocol.OpPing:
		if conn := c.currentConn(); conn != nil {
			_ = conn.Send(&protocol.Envelope{Op: protocol.OpPong, ReqID: env.ReqID})
		}
	}
}

// reconnect redials with exponential backoff and re-issues every active
// watch under its original watch id.
func (c *Client) reconnect(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	for {
		conn, err := c.connect(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			docWatches := make(map[uint64]*docWatchState, len(c.docWatches))
			for id, w := range c.docWatches {
				docWatches[id] = w
			}
			setWatches := make(map[uint64]*setWatchState, len(c.setWatches))
			for id, w := range c.setWatches {
				setWatches[id] = w
			}
			c.mu.Unlock()

			for id, w := range docWatches {
				_ = conn.Send(&protocol.Envelope{Op: protocol.OpWatchDoc, WatchID: id, Path: w.path})
			}
			for id, w := range setWatches {
				spec := w.spec
				_ = conn.Send(&protocol.Envelope{Op: protocol.OpWatchSet, WatchID: id, Query: &spec})
			}
			c.log.Info("reconnected", log.Int("doc_watches", len(docWatches)), log.Int("set_watches", len(setWatches)))
			return nil
		}

		c.log.Warn("reconnect failed", log.Error(err), log.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Client) currentConn() protocol.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.conn
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan *protocol.Envelope)
	c.mu.Unlock()

	msg := "connection lost"
	if err != nil {
		msg = err.Error()
	}
	for _, ch := range pending {
		ch <- &protocol.Envelope{Op: protocol.OpError, Err: msg}
	}
}

// request sends env with a fresh ReqID and waits for its ack or error.
func (c *Client) request(env *protocol.Envelope) (*protocol.Envelope, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	c.nextReq++
	env.ReqID = c.nextReq
	ch := make(chan *protocol.Envelope, 1)
	c.pending[env.ReqID] = ch
	conn := c.conn
	c.mu.Unlock()

	if err := conn.Send(env); err != nil {
		c.mu.Lock()
		delete(c.pending, env.ReqID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Op == protocol.OpError {
			return nil, fmt.Errorf("remote: %s rejected: %s", env.Op, reply.Err)
		}
		return reply, nil
	case <-time.After(c.cfg.RequestTimeout):
		c.mu.Lock()
		delete(c.pending, env.ReqID)
		c.mu.Unlock()
		return nil, fmt.Errorf("remote: %s timed out", env.Op)
	}
}

// Doc resolves a document path.
func (c *Client) Doc(path string) (docstore.DocRef, error) {
	if err := docstore.ValidateDocPath(path); err != nil {
		return nil, err
	}
	return newDocRef(c, path), nil
}

// Collection resolves a collection path.
func (c *Client) Collection(path string) (docstore.CollectionRef, error) {
	if err := docstore.ValidateCollectionPath(path); err != nil {
		return nil, err
	}
	return &collRef{client: c, path: path}, nil
}

// Close terminates the session. Active watches stop delivering; writes
// already acknowledged are durable on the daemon.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	_ = c.group.Wait()
	return err
}

func (c *Client) watchDoc(path string, fn func(docstore.DocumentSnapshot)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	c.nextWatch++
	id := c.nextWatch
	c.docWatches[id] = &docWatchState{path: path, fn: fn}
	conn := c.conn
	c.mu.Unlock()

	if err := conn.Send(&protocol.Envelope{Op: protocol.OpWatchDoc, WatchID: id, Path: path}); err != nil {
		c.mu.Lock()
		delete(c.docWatches, id)
		c.mu.Unlock()
		return nil, err
	}

	return func() { c.unwatch(id, true) }, nil
}

func (c *Client) watchSet(spec docstore.QuerySpec, fn func(docstore.QuerySnapshot)) (func(), error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	c.nextWatch++
	id := c.nextWatch
	c.setWatches[id] = &setWatchState{spec: spec, fn: fn}
	conn := c.conn
	c.mu.Unlock()

	send := spec
	if err := conn.Send(&protocol.Envelope{Op: protocol.OpWatchSet, WatchID: id, Query: &send}); err != nil {
		c.mu.Lock()
		delete(c.setWatches, id)
		c.mu.Unlock()
		return nil, err
	}

	return func() { c.unwatch(id, false) }, nil
}

func (c *Client) unwatch(id uint64, doc bool) {
	c.mu.Lock()
	if doc {
		delete(c.docWatches, id)
	} else {
		delete(c.setWatches, id)
	}
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if !closed && conn != nil {
		_ = conn.Send(&protocol.Envelope{Op: protocol.OpUnwatch, WatchID: id})
	}
}
