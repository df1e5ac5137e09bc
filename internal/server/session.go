package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/pkg/docstore"
	"github.com/driftsync/driftsync/pkg/identity"
	"github.com/driftsync/driftsync/pkg/log"
	"github.com/driftsync/driftsync/pkg/protocol"
)

// session is one authenticated client connection. It owns the watches
// the client opened; they are torn down with the connection.
type session struct {
	srv  *Server
	conn protocol.Conn
	log  log.Log
	who  *identity.Identity

	mu      sync.Mutex
	watches map[uint64]func()
}

func (s *Server) handleConn(conn protocol.Conn) {
	sess := &session{
		srv:  s,
		conn: conn,
		log: s.log.With(
			log.String("session", uuid.NewString()),
			log.String("remote_addr", conn.RemoteAddr().String())),
		watches: make(map[uint64]func()),
	}

	s.sessions.Add(1)
	defer s.sessions.Add(-1)
	sess.run()
}

func (s *session) run() {
	defer s.teardown()

	if err := s.handshake(); err != nil {
		s.log.Warn("handshake failed", log.Error(err))
		return
	}
	s.log.Info("session open")

	for {
		env, err := s.conn.Receive()
		if err != nil {
			s.log.Debug("session closed", log.Error(err))
			return
		}
		s.handle(env)
	}
}

// handshake expects a hello as the first frame, verifies its token when
// auth is configured, and answers with a welcome carrying the verified
// identity.
func (s *session) handshake() error {
	env, err := s.conn.Receive()
	if err != nil {
		return err
	}
	if env.Op != protocol.OpHello {
		_ = s.conn.Send(&protocol.Envelope{Op: protocol.OpError, Err: "expected hello"})
		return fmt.Errorf("first frame was %s, not hello", env.Op)
	}

	var fields docstore.Fields
	if s.srv.cfg.AuthSecret != "" {
		who, err := identity.Verify([]byte(s.srv.cfg.AuthSecret), env.Token)
		if err != nil {
			_ = s.conn.Send(&protocol.Envelope{Op: protocol.OpError, Err: "invalid token"})
			return err
		}
		s.who = who
		s.log = s.log.With(log.String("subject", who.Subject))
		fields = docstore.Fields{"sub": who.Subject}
		if who.Name != "" {
			fields["name"] = who.Name
		}
	}

	return s.conn.Send(&protocol.Envelope{Op: protocol.OpWelcome, ReqID: env.ReqID, Fields: fields})
}

func (s *session) handle(env *protocol.Envelope) {
	switch env.Op {
	case protocol.OpWatchDoc:
		s.watchDoc(env)
	case protocol.OpWatchSet:
		s.watchSet(env)
	case protocol.OpUnwatch:
		s.unwatch(env.WatchID)
	case protocol.OpWrite:
		s.write(env)
	case protocol.OpDelete:
		s.delete(env)
	case protocol.OpPing:
		_ = s.conn.Send(&protocol.Envelope{Op: protocol.OpPong, ReqID: env.ReqID})
	default:
		s.sendError(env.ReqID, env.WatchID, fmt.Errorf("unsupported op %s", env.Op))
	}
}

func (s *session) watchDoc(env *protocol.Envelope) {
	ref, err := s.srv.backend.Doc(env.Path)
	if err != nil {
		s.sendError(0, env.WatchID, err)
		return
	}

	id := env.WatchID
	stop, err := ref.Watch(context.Background(), func(snap docstore.DocumentSnapshot) {
		_ = s.conn.Send(&protocol.Envelope{
			Op:         protocol.OpDocSnapshot,
			WatchID:    id,
			Path:       snap.Ref.Path(),
			Exists:     snap.Exists,
			Fields:     snap.Fields,
			UpdateTime: snap.UpdateTime,
		})
	})
	if err != nil {
		s.sendError(0, id, err)
		return
	}
	s.register(id, stop)
	s.log.Debug("doc watch open", log.Uint64("watch", id), log.String("path", env.Path))
}

func (s *session) watchSet(env *protocol.Envelope) {
	spec := docstore.QuerySpec{Parent: env.Path}
	if env.Query != nil {
		spec = *env.Query
	}
	if err := spec.Validate(); err != nil {
		s.sendError(0, env.WatchID, err)
		return
	}
	coll, err := s.srv.backend.Collection(spec.Parent)
	if err != nil {
		s.sendError(0, env.WatchID, err)
		return
	}

	id := env.WatchID
	stop, err := querify(coll, spec).Watch(context.Background(), func(snap docstore.QuerySnapshot) {
		docs := make([]protocol.Doc, 0, len(snap.Docs))
		for _, d := range snap.Docs {
			docs = append(docs, protocol.Doc{ID: d.ID, Path: d.Ref.Path(), Fields: d.Fields})
		}
		_ = s.conn.Send(&protocol.Envelope{
			Op:         protocol.OpSetSnapshot,
			WatchID:    id,
			Docs:       docs,
			UpdateTime: snap.UpdateTime,
		})
	})
	if err != nil {
		s.sendError(0, id, err)
		return
	}
	s.register(id, stop)
	s.log.Debug("set watch open", log.Uint64("watch", id), log.String("parent", spec.Parent))
}

// querify rebuilds the refinement chain a client serialized into a
// QuerySpec against the backend's collection reference.
func querify(coll docstore.CollectionRef, spec docstore.QuerySpec) docstore.SetRef {
	if len(spec.Filters) == 0 && len(spec.Orders) == 0 && spec.N <= 0 {
		return coll
	}

	var q docstore.Query
	for _, f := range spec.Filters {
		if q == nil {
			q = coll.Where(f.Field, f.Op, f.Value)
		} else {
			q = q.Where(f.Field, f.Op, f.Value)
		}
	}
	for _, o := range spec.Orders {
		if q == nil {
			q = coll.OrderBy(o.Field, o.Desc)
		} else {
			q = q.OrderBy(o.Field, o.Desc)
		}
	}
	if spec.N > 0 {
		if q == nil {
			q = coll.Limit(spec.N)
		} else {
			q = q.Limit(spec.N)
		}
	}
	return q
}

func (s *session) write(env *protocol.Envelope) {
	ref, err := s.srv.backend.Doc(env.Path)
	if err != nil {
		s.sendError(env.ReqID, 0, err)
		return
	}
	res, err := ref.Set(context.Background(), env.Fields)
	if err != nil {
		s.sendError(env.ReqID, 0, err)
		return
	}
	_ = s.conn.Send(&protocol.Envelope{Op: protocol.OpAck, ReqID: env.ReqID, UpdateTime: res.UpdateTime})
}

func (s *session) delete(env *protocol.Envelope) {
	ref, err := s.srv.backend.Doc(env.Path)
	if err != nil {
		s.sendError(env.ReqID, 0, err)
		return
	}
	res, err := ref.Delete(context.Background())
	if err != nil {
		s.sendError(env.ReqID, 0, err)
		return
	}
	_ = s.conn.Send(&protocol.Envelope{Op: protocol.OpAck, ReqID: env.ReqID, UpdateTime: res.UpdateTime})
}

// register installs a watch stop under the client-chosen id. Reusing an
// id replaces the previous watch.
func (s *session) register(id uint64, stop func()) {
	s.mu.Lock()
	old := s.watches[id]
	s.watches[id] = stop
	s.mu.Unlock()

	if old != nil {
		old()
	}
}

func (s *session) unwatch(id uint64) {
	s.mu.Lock()
	stop := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (s *session) sendError(reqID, watchID uint64, err error) {
	_ = s.conn.Send(&protocol.Envelope{
		Op:      protocol.OpError,
		ReqID:   reqID,
		WatchID: watchID,
		Err:     err.Error(),
	})
}

func (s *session) teardown() {
	s.mu.Lock()
	stops := make([]func(), 0, len(s.watches))
	for _, stop := range s.watches {
		stops = append(stops, stop)
	}
	s.watches = nil
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	_ = s.conn.Close()
}
