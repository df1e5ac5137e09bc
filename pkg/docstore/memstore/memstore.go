// Package memstore is the in-memory reference implementation of the
// docstore contract. It backs the daemon's default mode, the examples,
// and most tests: per-path collections of canonically encoded documents,
// deterministic id ordering, query evaluation, and a watch hub that
// delivers ordered full snapshots to each watcher on its own goroutine.
package memstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/pkg/docstore"
	"github.com/driftsync/driftsync/pkg/docstore/internal/fanout"
)

var _ docstore.Client = (*Store)(nil)

// Store holds all documents and watches. The zero Store is not usable;
// construct with New.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]record // collection path -> id -> record
	docWatches  map[uint64]*docWatch
	setWatches  map[uint64]*setWatch
	nextWatch   uint64
	lastTime    time.Time
	closed      bool

	writes  atomic.Uint64
	deletes atomic.Uint64
}

type record struct {
	raw        []byte
	updateTime time.Time
}

type docWatch struct {
	path string
	mb   *fanout.Mailbox[docstore.DocumentSnapshot]
}

type setWatch struct {
	spec docstore.QuerySpec
	mb   *fanout.Mailbox[docstore.QuerySnapshot]
}

// New returns an empty store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]record),
		docWatches:  make(map[uint64]*docWatch),
		setWatches:  make(map[uint64]*setWatch),
	}
}

// Doc resolves a document path.
func (s *Store) Doc(path string) (docstore.DocRef, error) {
	if err := docstore.ValidateDocPath(path); err != nil {
		return nil, err
	}
	return newDocRef(s, path), nil
}

// Collection resolves a collection path.
func (s *Store) Collection(path string) (docstore.CollectionRef, error) {
	if err := docstore.ValidateCollectionPath(path); err != nil {
		return nil, err
	}
	return &collRef{store: s, path: path}, nil
}

// Close stops every watch and rejects further operations.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	docs := s.docWatches
	sets := s.setWatches
	s.docWatches = map[uint64]*docWatch{}
	s.setWatches = map[uint64]*setWatch{}
	s.mu.Unlock()

	for _, w := range docs {
		w.mb.Close()
		w.mb.Wait()
	}
	for _, w := range sets {
		w.mb.Close()
		w.mb.Wait()
	}
	return nil
}

// Writes reports the number of document writes applied since creation.
func (s *Store) Writes() uint64 { return s.writes.Load() }

// Deletes reports the number of document deletes applied since creation.
func (s *Store) Deletes() uint64 { return s.deletes.Load() }

// Dump returns every collection path mapped to its sorted document ids.
// Serves the daemon's debug endpoint.
func (s *Store) Dump() (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]string, len(s.collections))
	for path, coll := range s.collections {
		if len(coll) == 0 {
			continue
		}
		ids := make([]string, 0, len(coll))
		for id := range coll {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[path] = ids
	}
	return out, nil
}

// setDoc applies a full overwrite and fans out snapshots.
func (s *Store) setDoc(collPath, id string, data any) (docstore.WriteResult, error) {
	fields, err := docstore.FieldsOf(data)
	if err != nil {
		return docstore.WriteResult{}, err
	}
	raw, err := fields.Encode()
	if err != nil {
		return docstore.WriteResult{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return docstore.WriteResult{}, docstore.ErrClosed
	}
	ts := s.tickLocked()
	coll := s.collections[collPath]
	if coll == nil {
		coll = make(map[string]record)
		s.collections[collPath] = coll
	}
	coll[id] = record{raw: raw, updateTime: ts}
	s.notifyLocked(collPath, id, ts)
	s.mu.Unlock()

	s.writes.Add(1)
	return docstore.WriteResult{UpdateTime: ts}, nil
}

// deleteDoc removes a document and fans out snapshots. Deleting an
// absent document still notifies nothing but is not an error.
func (s *Store) deleteDoc(collPath, id string) (docstore.WriteResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return docstore.WriteResult{}, docstore.ErrClosed
	}
	ts := s.tickLocked()
	coll := s.collections[collPath]
	if coll != nil {
		if _, ok := coll[id]; ok {
			delete(coll, id)
			s.notifyLocked(collPath, id, ts)
			s.mu.Unlock()
			s.deletes.Add(1)
			return docstore.WriteResult{UpdateTime: ts}, nil
		}
	}
	s.mu.Unlock()
	return docstore.WriteResult{UpdateTime: ts}, nil
}

// tickLocked returns a strictly increasing update time.
func (s *Store) tickLocked() time.Time {
	now := time.Now()
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Nanosecond)
	}
	s.lastTime = now
	return now
}

// notifyLocked pushes fresh snapshots to every watcher affected by a
// mutation of collPath/id.
func (s *Store) notifyLocked(collPath, id string, ts time.Time) {
	docPath := collPath + "/" + id
	for _, w := range s.docWatches {
		if w.path == docPath {
			w.mb.Push(s.docSnapshotLocked(docPath, ts))
		}
	}
	for _, w := range s.setWatches {
		if w.spec.Parent == collPath {
			w.mb.Push(s.setSnapshotLocked(w.spec, ts))
		}
	}
}

// docSnapshotLocked builds a fresh snapshot of one document. Fields are
// decoded per snapshot so no two watchers ever share a map.
func (s *Store) docSnapshotLocked(docPath string, ts time.Time) docstore.DocumentSnapshot {
	segments, _ := docstore.SplitPath(docPath)
	collPath := docPath[:len(docPath)-len(segments[len(segments)-1])-1]
	id := segments[len(segments)-1]

	snap := docstore.DocumentSnapshot{
		Ref:        newDocRef(s, docPath),
		UpdateTime: ts,
	}
	if rec, ok := s.collections[collPath][id]; ok {
		fields, err := docstore.DecodeFields(rec.raw)
		if err == nil {
			snap.Exists = true
			snap.Fields = fields
		}
	}
	return snap
}

// setSnapshotLocked builds a fresh ordered snapshot of a query result.
func (s *Store) setSnapshotLocked(spec docstore.QuerySpec, ts time.Time) docstore.QuerySnapshot {
	coll := s.collections[spec.Parent]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	docs := make([]docstore.Document, 0, len(ids))
	for _, id := range ids {
		fields, err := docstore.DecodeFields(coll[id].raw)
		if err != nil {
			continue
		}
		docs = append(docs, docstore.Document{
			ID:     id,
			Ref:    newDocRef(s, spec.Parent+"/"+id),
			Fields: fields,
		})
	}
	return docstore.QuerySnapshot{Docs: spec.Apply(docs), UpdateTime: ts}
}

// watchDoc registers a document watcher and queues the current state as
// its first delivery.
func (s *Store) watchDoc(path string, fn func(docstore.DocumentSnapshot)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	id := s.nextWatch
	s.nextWatch++
	w := &docWatch{path: path, mb: fanout.New(fn)}
	s.docWatches[id] = w
	w.mb.Push(s.docSnapshotLocked(path, s.lastTime))
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if cur, ok := s.docWatches[id]; ok && cur == w {
			delete(s.docWatches, id)
		}
		s.mu.Unlock()
		w.mb.Close()
	}, nil
}

// watchSet registers a set watcher and queues the current state as its
// first delivery.
func (s *Store) watchSet(spec docstore.QuerySpec, fn func(docstore.QuerySnapshot)) (func(), error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	id := s.nextWatch
	s.nextWatch++
	w := &setWatch{spec: spec, mb: fanout.New(fn)}
	s.setWatches[id] = w
	w.mb.Push(s.setSnapshotLocked(spec, s.lastTime))
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if cur, ok := s.setWatches[id]; ok && cur == w {
			delete(s.setWatches, id)
		}
		s.mu.Unlock()
		w.mb.Close()
	}, nil
}

var _ docstore.DocRef = (*docRef)(nil)

type docRef struct {
	store    *Store
	path     string
	collPath string
	id       string
}

func newDocRef(s *Store, path string) *docRef {
	segments, _ := docstore.SplitPath(path)
	id := segments[len(segments)-1]
	return &docRef{
		store:    s,
		path:     path,
		collPath: path[:len(path)-len(id)-1],
		id:       id,
	}
}

func (r *docRef) Path() string { return r.path }
func (r *docRef) ID() string   { return r.id }

func (r *docRef) Set(_ context.Context, data any) (docstore.WriteResult, error) {
	return r.store.setDoc(r.collPath, r.id, data)
}

func (r *docRef) Delete(_ context.Context) (docstore.WriteResult, error) {
	return r.store.deleteDoc(r.collPath, r.id)
}

func (r *docRef) Watch(_ context.Context, fn func(docstore.DocumentSnapshot)) (func(), error) {
	return r.store.watchDoc(r.path, fn)
}

var _ docstore.CollectionRef = (*collRef)(nil)

type collRef struct {
	store *Store
	path  string
}

func (c *collRef) Path() string { return c.path }

func (c *collRef) ID() string {
	segments, _ := docstore.SplitPath(c.path)
	return segments[len(segments)-1]
}

func (c *collRef) Doc(id string) docstore.DocRef {
	return newDocRef(c.store, c.path+"/"+id)
}

func (c *collRef) NewDoc() docstore.DocRef {
	return newDocRef(c.store, c.path+"/"+uuid.NewString())
}

func (c *collRef) Watch(_ context.Context, fn func(docstore.QuerySnapshot)) (func(), error) {
	return c.store.watchSet(docstore.QuerySpec{Parent: c.path}, fn)
}

func (c *collRef) Where(field, op string, value any) docstore.Query {
	return query{store: c.store, spec: docstore.QuerySpec{Parent: c.path}}.Where(field, op, value)
}

func (c *collRef) OrderBy(field string, desc bool) docstore.Query {
	return query{store: c.store, spec: docstore.QuerySpec{Parent: c.path}}.OrderBy(field, desc)
}

func (c *collRef) Limit(n int) docstore.Query {
	return query{store: c.store, spec: docstore.QuerySpec{Parent: c.path}}.Limit(n)
}

var _ docstore.Query = query{}

type query struct {
	store *Store
	spec  docstore.QuerySpec
}

func (q query) Where(field, op string, value any) docstore.Query {
	spec := q.spec
	spec.Filters = append(append([]docstore.Filter(nil), spec.Filters...), docstore.Filter{Field: field, Op: op, Value: value})
	return query{store: q.store, spec: spec}
}

func (q query) OrderBy(field string, desc bool) docstore.Query {
	spec := q.spec
	spec.Orders = append(append([]docstore.Order(nil), spec.Orders...), docstore.Order{Field: field, Desc: desc})
	return query{store: q.store, spec: spec}
}

func (q query) Limit(n int) docstore.Query {
	spec := q.spec
	spec.N = n
	return query{store: q.store, spec: spec}
}

func (q query) Watch(_ context.Context, fn func(docstore.QuerySnapshot)) (func(), error) {
	return q.store.watchSet(q.spec, fn)
}
