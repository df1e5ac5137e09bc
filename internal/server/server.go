// Package server is the driftsync daemon: it hosts a document store
// backend behind the wire protocol, serving sessions over WebSocket and
// optionally QUIC. Each session authenticates once, then opens watches
// and issues writes against the shared backend; watch snapshots fan out
// to every session observing the affected document or set.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/pkg/docstore"
	"github.com/driftsync/driftsync/pkg/docstore/memstore"
	"github.com/driftsync/driftsync/pkg/docstore/sqlstore"
	"github.com/driftsync/driftsync/pkg/log"
	"github.com/driftsync/driftsync/pkg/protocol"
)

// OpenBackend builds the document store named by cfg.Backend.
func OpenBackend(cfg Config) (docstore.Client, error) {
	switch cfg.Backend {
	case BackendMemory:
		return memstore.New(), nil
	case BackendSQLite:
		return sqlstore.Open(cfg.SQLitePath)
	default:
		return nil, cfg.Validate()
	}
}

// dumper is the debug surface both built-in backends expose.
type dumper interface {
	Dump() (map[string][]string, error)
}

// Server is the driftsync daemon.
type Server struct {
	cfg     Config
	log     log.Log
	backend docstore.Client

	httpLn  net.Listener
	httpSrv *http.Server
	quicLn  *protocol.QUICListener

	group  *errgroup.Group
	cancel context.CancelFunc

	running  atomic.Bool
	sessions atomic.Int64
}

// New builds a server over an already-open backend. The server does not
// own the backend; the caller closes it after Stop.
func New(cfg Config, backend docstore.Client, logger log.Log) *Server {
	if logger == nil {
		logger = log.Provide()
	}
	return &Server{
		cfg:     cfg,
		log:     logger.With(log.String("component", "server")),
		backend: backend,
	}
}

// Start binds the listeners and begins serving sessions. It returns
// once the listeners are up; serving continues in the background until
// Stop.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		s.running.Store(false)
		return err
	}
	s.httpLn = ln
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)

	s.group.Go(func() error {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.cfg.QUICAddr != "" {
		quicLn, err := protocol.ListenQUIC(s.cfg.QUICAddr, nil)
		if err != nil {
			cancel()
			_ = s.httpSrv.Close()
			_ = s.group.Wait()
			s.running.Store(false)
			return err
		}
		s.quicLn = quicLn
		s.group.Go(func() error {
			s.acceptQUIC(runCtx)
			return nil
		})
		s.log.Info("quic listener up", log.String("addr", quicLn.Addr().String()))
	}

	s.log.Info("server listening",
		log.String("addr", ln.Addr().String()),
		log.String("backend", s.cfg.Backend),
		log.Bool("auth", s.cfg.AuthSecret != ""))
	return nil
}

// Addr reports the bound HTTP address. Valid after Start.
func (s *Server) Addr() string {
	return s.httpLn.Addr().String()
}

// QUICAddr reports the bound QUIC address, empty when disabled.
func (s *Server) QUICAddr() string {
	if s.quicLn == nil {
		return ""
	}
	return s.quicLn.Addr().String()
}

// Stop drains sessions and shuts both listeners down.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	s.log.Info("stopping", log.Int64("sessions", s.sessions.Load()))

	s.cancel()
	if s.quicLn != nil {
		_ = s.quicLn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		_ = s.httpSrv.Close()
	}

	err := s.group.Wait()
	s.log.Info("stopped")
	return err
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.running.Load() {
			http.Error(w, "stopping", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Get("/debug/collections", s.handleDebugCollections)
	r.Handle("/sync", protocol.WebSocketHandler(s.handleConn))

	return r
}

// handleDebugCollections lists every collection and its document ids.
// Only backends exposing a dump support it.
func (s *Server) handleDebugCollections(w http.ResponseWriter, _ *http.Request) {
	d, ok := s.backend.(dumper)
	if !ok {
		http.Error(w, "backend has no debug dump", http.StatusNotFound)
		return
	}
	dump, err := d.Dump()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(dump)
}

// acceptQUIC feeds QUIC connections into the same session handler as
// the WebSocket endpoint.
func (s *Server) acceptQUIC(ctx context.Context) {
	for {
		conn, err := s.quicLn.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || !s.running.Load() {
				return
			}
			s.log.Warn("quic accept failed", log.Error(err))
			continue
		}
		go s.handleConn(conn)
	}
}
