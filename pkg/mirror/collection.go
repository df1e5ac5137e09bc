package mirror

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/driftsync/driftsync/pkg/docstore"
	"github.com/driftsync/driftsync/pkg/encoding"
	"github.com/driftsync/driftsync/pkg/log"
	"github.com/driftsync/driftsync/pkg/store"
)

// Document is one member of a mirrored collection. Identity and
// reference are first-class and live outside the generic payload. A
// Document without a Ref has not been created remotely yet.
type Document[T any] struct {
	ID   string
	Ref  docstore.DocRef
	Data T
}

// CollectionConfig tunes a collection mirror. The zero value is usable.
type CollectionConfig[T any] struct {
	// Initial seeds the local snapshot before the first backend
	// notification, and is the permanent value in degraded mode.
	Initial []Document[T]

	// Log defaults to the process logger.
	Log log.Log

	// OnWriteError receives asynchronous remote-write failures. When
	// nil they are logged at error level.
	OnWriteError func(error)

	// Async schedules fire-and-forget writes. Defaults to spawning a
	// goroutine.
	Async func(func())
}

// baselineDoc is one record of the remote snapshot: the reference plus
// the canonical encoding of the last backend-confirmed field content.
// The diff engine compares against these bytes, never against the local
// snapshot, so consumer mutations of delivered values cannot corrupt
// the baseline.
type baselineDoc struct {
	ref    docstore.DocRef
	raw    []byte
	digest uint64
}

// Collection mirrors an ordered remote document set and owns the diff
// engine translating local mutations into minimal remote writes.
type Collection[T any] struct {
	set  docstore.SetRef
	coll docstore.CollectionRef // non-nil only for plain collections
	val  *store.Value[[]Document[T]]

	mu    sync.Mutex
	base  map[string]baselineDoc
	order []string

	log      log.Log
	async    func(func())
	onFail   func(error)
	degraded bool
}

// NewCollection builds a collection mirror over set, which may be a
// plain collection or a query. Add and identity-based Delete need a
// plain collection; on a query they reject with a usage error.
//
// A nil set degrades the mirror to a static store seeded from
// cfg.Initial with the write path disabled.
func NewCollection[T any](set docstore.SetRef, cfg *CollectionConfig[T]) *Collection[T] {
	if cfg == nil {
		cfg = &CollectionConfig[T]{}
	}
	c := &Collection[T]{
		set:    set,
		log:    defaultLog(cfg.Log, "collection"),
		async:  cfg.Async,
		onFail: cfg.OnWriteError,
	}
	if c.async == nil {
		c.async = goAsync
	}

	if set == nil {
		c.degraded = true
		c.val = store.New(cfg.Initial)
		c.log.Warn("collection mirror has no backend reference, serving static snapshot")
		return c
	}

	if coll, ok := set.(docstore.CollectionRef); ok {
		c.coll = coll
		c.log = c.log.With(log.String("path", coll.Path()))
	}
	c.val = store.NewWithStart(cfg.Initial, c.start)
	return c
}

// start attaches the single backend watch on the 0→1 subscriber edge.
// Each notification replaces the remote snapshot and republishes a
// fresh decode of it locally, so both snapshots hold equal values in
// the same tick. The stop returned for the 1→0 edge also discards the
// baseline; it is rebuilt on the next attach.
func (c *Collection[T]) start(set func([]Document[T])) func() {
	stop, err := c.set.Watch(context.Background(), func(snap docstore.QuerySnapshot) {
		docs, base, order := c.decodeSnapshot(snap)
		c.mu.Lock()
		c.base = base
		c.order = order
		c.mu.Unlock()
		set(docs)
	})
	if err != nil {
		c.log.Error("attach collection watch", log.Error(err))
		return func() {}
	}
	return func() {
		stop()
		c.mu.Lock()
		c.base = nil
		c.order = nil
		c.mu.Unlock()
	}
}

func (c *Collection[T]) decodeSnapshot(snap docstore.QuerySnapshot) ([]Document[T], map[string]baselineDoc, []string) {
	docs := make([]Document[T], 0, len(snap.Docs))
	base := make(map[string]baselineDoc, len(snap.Docs))
	order := make([]string, 0, len(snap.Docs))

	for _, d := range snap.Docs {
		raw, err := d.Fields.Encode()
		if err != nil {
			c.log.Error("encode remote record", log.String("id", d.ID), log.Error(err))
			continue
		}
		var v T
		if err = d.Fields.DataTo(&v); err != nil {
			c.log.Error("decode remote record", log.String("id", d.ID), log.Error(err))
			continue
		}
		docs = append(docs, Document[T]{ID: d.ID, Ref: d.Ref, Data: v})
		base[d.ID] = baselineDoc{ref: d.Ref, raw: raw, digest: encoding.DigestBytes(raw)}
		order = append(order, d.ID)
	}
	return docs, base, order
}

// Subscribe registers fn with the usual lifecycle discipline.
func (c *Collection[T]) Subscribe(fn func([]Document[T])) func() {
	return c.val.Subscribe(fn)
}

// Current returns the local snapshot.
func (c *Collection[T]) Current() []Document[T] {
	return c.val.Get()
}

// Update invokes fn with the remote snapshot — deliberately not the
// possibly ahead local one, so rapid successive edits always diff
// against the last backend-confirmed truth instead of compounding
// drift — publishes fn's result as the local snapshot synchronously,
// then issues one full-record write per dirty record.
//
// A record is dirty when a baseline record shares its identity but not
// its field content; content comparison is structural and excludes the
// reference. Records with no baseline match are new and are not written
// here (Add is the only creation path), and baseline records omitted
// from the result are not deleted remotely (Delete is the only removal
// path): they drop out of the local view until the next backend
// notification restores them.
func (c *Collection[T]) Update(fn func(prev []Document[T]) []Document[T]) error {
	if c.degraded {
		return ErrNoBackend
	}

	c.mu.Lock()
	prev := c.remoteSnapshotLocked()
	base := c.base
	c.mu.Unlock()

	next := fn(prev)

	type write struct {
		ref    docstore.DocRef
		fields docstore.Fields
	}
	var writes []write
	for _, doc := range next {
		b, ok := base[doc.ID]
		if !ok {
			continue
		}
		fields, err := docstore.FieldsOf(doc.Data)
		if err != nil {
			return fmt.Errorf("mirror: encode record %q: %w", doc.ID, err)
		}
		raw, err := fields.Encode()
		if err != nil {
			return fmt.Errorf("mirror: encode record %q: %w", doc.ID, err)
		}
		if encoding.DigestBytes(raw) == b.digest && bytes.Equal(raw, b.raw) {
			continue
		}
		writes = append(writes, write{ref: b.ref, fields: fields})
	}

	c.val.Set(next)

	for _, w := range writes {
		w := w
		c.async(func() {
			if _, err := w.ref.Set(context.Background(), w.fields); err != nil {
				c.writeFailed(err)
			}
		})
	}
	return nil
}

// Set replaces the collection with docs.
func (c *Collection[T]) Set(docs []Document[T]) error {
	return c.Update(func([]Document[T]) []Document[T] { return docs })
}

// Add creates doc remotely. With a non-empty identity it upserts at
// that identity; otherwise the backend generates one. Exactly one of
// the two paths runs and exactly one write is issued, fire-and-forget.
// The resolved reference is returned immediately.
func (c *Collection[T]) Add(doc Document[T]) (docstore.DocRef, error) {
	if c.degraded {
		return nil, ErrNoBackend
	}
	if c.coll == nil {
		return nil, ErrAddToQuery
	}

	fields, err := docstore.FieldsOf(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("mirror: encode record: %w", err)
	}

	var ref docstore.DocRef
	if doc.ID != "" {
		ref = c.coll.Doc(doc.ID)
	} else {
		ref = c.coll.NewDoc()
	}

	c.async(func() {
		if _, err := ref.Set(context.Background(), fields); err != nil {
			c.writeFailed(err)
		}
	})
	return ref, nil
}

// Delete removes doc remotely, resolving its reference from the record
// itself or, failing that, reconstructing it from the identity against
// the plain collection path. When neither is possible — a query-typed
// mirror and a record with no stored reference — it rejects without
// issuing anything.
func (c *Collection[T]) Delete(doc Document[T]) error {
	if c.degraded {
		return ErrNoBackend
	}

	ref := doc.Ref
	if ref == nil {
		if c.coll == nil || doc.ID == "" {
			return ErrUnresolvedDoc
		}
		ref = c.coll.Doc(doc.ID)
	}

	c.async(func() {
		if _, err := ref.Delete(context.Background()); err != nil {
			c.writeFailed(err)
		}
	})
	return nil
}

// Ref returns the underlying set reference, nil in degraded mode.
func (c *Collection[T]) Ref() docstore.SetRef { return c.set }

// remoteSnapshotLocked decodes the baseline into fresh documents.
// Returning fresh decodes means neither fn's argument nor the published
// snapshot ever aliases baseline state.
func (c *Collection[T]) remoteSnapshotLocked() []Document[T] {
	docs := make([]Document[T], 0, len(c.order))
	for _, id := range c.order {
		b, ok := c.base[id]
		if !ok {
			continue
		}
		fields, err := docstore.DecodeFields(b.raw)
		if err != nil {
			continue
		}
		var v T
		if err = fields.DataTo(&v); err != nil {
			continue
		}
		docs = append(docs, Document[T]{ID: id, Ref: b.ref, Data: v})
	}
	return docs
}

func (c *Collection[T]) writeFailed(err error) {
	if c.onFail != nil {
		c.onFail(err)
		return
	}
	c.log.Error("remote write failed", log.Error(err))
}
