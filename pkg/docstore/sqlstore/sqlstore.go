// Package sqlstore persists the docstore contract in SQLite: one
// documents table keyed by (collection_path, doc_id) holding canonical
// field encodings. Watches are served from an in-process hub notified
// after each commit, which is sound under the daemon's single-writer
// assumption; a second process writing the same file would not be
// observed until restart.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/driftsync/driftsync/pkg/docstore"
	"github.com/driftsync/driftsync/pkg/docstore/internal/fanout"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection_path TEXT    NOT NULL,
	doc_id          TEXT    NOT NULL,
	fields          BLOB    NOT NULL,
	update_time_ns  INTEGER NOT NULL,
	PRIMARY KEY (collection_path, doc_id)
);
`

var _ docstore.Client = (*Store)(nil)

// Store is a SQLite-backed document store.
type Store struct {
	db *sql.DB

	// mu serializes writes with snapshot reads and guards the watch
	// registry, keeping each watcher's snapshot stream consistent with
	// commit order.
	mu         sync.Mutex
	docWatches map[uint64]*docWatch
	setWatches map[uint64]*setWatch
	nextWatch  uint64
	lastTime   time.Time
	closed     bool
}

type docWatch struct {
	path string
	mb   *fanout.Mailbox[docstore.DocumentSnapshot]
}

type setWatch struct {
	spec docstore.QuerySpec
	mb   *fanout.Mailbox[docstore.QuerySnapshot]
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	// One writer at a time keeps SQLITE_BUSY out of the write path.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ensure schema: %w", err)
	}

	return &Store{
		db:         db,
		docWatches: make(map[uint64]*docWatch),
		setWatches: make(map[uint64]*setWatch),
	}, nil
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

// Close stops every watch and closes the database.
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
	return s.db.Close()
}

// Dump returns every collection path mapped to its sorted document ids.
func (s *Store) Dump() (map[string][]string, error) {
	rows, err := s.db.Query(`SELECT collection_path, doc_id FROM documents ORDER BY collection_path, doc_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: dump: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]string)
	for rows.Next() {
		var path, id string
		if err = rows.Scan(&path, &id); err != nil {
			return nil, fmt.Errorf("sqlstore: dump scan: %w", err)
		}
		out[path] = append(out[path], id)
	}
	return out, rows.Err()
}

func (s *Store) setDoc(ctx context.Context, collPath, id string, data any) (docstore.WriteResult, error) {
	fields, err := docstore.FieldsOf(data)
	if err != nil {
		return docstore.WriteResult{}, err
	}
	raw, err := fields.Encode()
	if err != nil {
		return docstore.WriteResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.WriteResult{}, docstore.ErrClosed
	}
	ts := s.tickLocked()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection_path, doc_id, fields, update_time_ns)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection_path, doc_id) DO UPDATE SET fields = excluded.fields, update_time_ns = excluded.update_time_ns`,
		collPath, id, raw, ts.UnixNano())
	if err != nil {
		return docstore.WriteResult{}, fmt.Errorf("sqlstore: write %s/%s: %w", collPath, id, err)
	}

	s.notifyLocked(collPath, id, ts)
	return docstore.WriteResult{UpdateTime: ts}, nil
}

func (s *Store) deleteDoc(ctx context.Context, collPath, id string) (docstore.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.WriteResult{}, docstore.ErrClosed
	}
	ts := s.tickLocked()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection_path = ? AND doc_id = ?`, collPath, id)
	if err != nil {
		return docstore.WriteResult{}, fmt.Errorf("sqlstore: delete %s/%s: %w", collPath, id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyLocked(collPath, id, ts)
	}
	return docstore.WriteResult{UpdateTime: ts}, nil
}

func (s *Store) tickLocked() time.Time {
	now := time.Now()
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Nanosecond)
	}
	s.lastTime = now
	return now
}

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

func (s *Store) docSnapshotLocked(docPath string, ts time.Time) docstore.DocumentSnapshot {
	ref := newDocRef(s, docPath)
	snap := docstore.DocumentSnapshot{Ref: ref, UpdateTime: ts}

	var raw []byte
	err := s.db.QueryRow(
		`SELECT fields FROM documents WHERE collection_path = ? AND doc_id = ?`,
		ref.collPath, ref.id).Scan(&raw)
	if err != nil {
		// sql.ErrNoRows and real failures both report the document as
		// absent; the next commit re-notifies either way.
		return snap
	}
	fields, err := docstore.DecodeFields(raw)
	if err != nil {
		return snap
	}
	snap.Exists = true
	snap.Fields = fields
	return snap
}

func (s *Store) setSnapshotLocked(spec docstore.QuerySpec, ts time.Time) docstore.QuerySnapshot {
	rows, err := s.db.Query(
		`SELECT doc_id, fields FROM documents WHERE collection_path = ? ORDER BY doc_id`,
		spec.Parent)
	if err != nil {
		return docstore.QuerySnapshot{UpdateTime: ts}
	}
	defer func() { _ = rows.Close() }()

	var docs []docstore.Document
	for rows.Next() {
		var id string
		var raw []byte
		if err = rows.Scan(&id, &raw); err != nil {
			continue
		}
		fields, err := docstore.DecodeFields(raw)
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

func (r *docRef) Set(ctx context.Context, data any) (docstore.WriteResult, error) {
	return r.store.setDoc(ctx, r.collPath, r.id, data)
}

func (r *docRef) Delete(ctx context.Context) (docstore.WriteResult, error) {
	return r.store.deleteDoc(ctx, r.collPath, r.id)
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
