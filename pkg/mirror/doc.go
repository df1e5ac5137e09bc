package mirror

import (
	"context"
	"fmt"

	"github.com/driftsync/driftsync/pkg/docstore"
	"github.com/driftsync/driftsync/pkg/log"
	"github.com/driftsync/driftsync/pkg/store"
)

// DocConfig tunes a document mirror. The zero value is usable.
type DocConfig[T any] struct {
	// Initial seeds the local snapshot before the first backend
	// notification, and is the permanent value in degraded mode.
	Initial *T

	// Log defaults to the process logger.
	Log log.Log

	// OnWriteError receives asynchronous remote-write failures. When
	// nil they are logged at error level. There is no retry and no
	// rollback either way.
	OnWriteError func(error)

	// Async schedules fire-and-forget writes. Defaults to spawning a
	// goroutine; tests substitute a synchronous runner.
	Async func(func())
}

// Doc mirrors a single remote document. Subscribers observe *T, nil
// while the document does not exist.
type Doc[T any] struct {
	ref docstore.DocRef
	val *store.Value[*T]

	log      log.Log
	async    func(func())
	onFail   func(error)
	degraded bool
}

// NewDoc builds a document mirror over ref. The mirror is constructed
// eagerly but its backend watch opens only when the first consumer
// subscribes and closes when the last unsubscribes.
//
// A nil ref degrades the mirror to a static store seeded from
// cfg.Initial: no backend contact, no write path, a warning logged once.
func NewDoc[T any](ref docstore.DocRef, cfg *DocConfig[T]) *Doc[T] {
	if cfg == nil {
		cfg = &DocConfig[T]{}
	}
	d := &Doc[T]{
		ref:    ref,
		log:    defaultLog(cfg.Log, "doc"),
		async:  cfg.Async,
		onFail: cfg.OnWriteError,
	}
	if d.async == nil {
		d.async = goAsync
	}

	if ref == nil {
		d.degraded = true
		d.val = store.New(cfg.Initial)
		d.log.Warn("document mirror has no backend reference, serving static snapshot")
		return d
	}

	d.log = d.log.With(log.String("path", ref.Path()))
	d.val = store.NewWithStart(cfg.Initial, d.start)
	return d
}

// start attaches the single backend watch. Runs on the 0→1 subscriber
// edge; the returned stop runs on 1→0.
func (d *Doc[T]) start(set func(*T)) func() {
	stop, err := d.ref.Watch(context.Background(), func(snap docstore.DocumentSnapshot) {
		if !snap.Exists {
			set(nil)
			return
		}
		v := new(T)
		if err := snap.Fields.DataTo(v); err != nil {
			d.log.Error("decode document snapshot", log.Error(err))
			return
		}
		set(v)
	})
	if err != nil {
		d.log.Error("attach document watch", log.Error(err))
		return func() {}
	}
	return stop
}

// Subscribe registers fn, delivering the current local snapshot
// synchronously and every subsequent publication after that. The
// returned function detaches the consumer.
func (d *Doc[T]) Subscribe(fn func(*T)) func() {
	return d.val.Subscribe(fn)
}

// Current returns the local snapshot.
func (d *Doc[T]) Current() *T {
	return d.val.Get()
}

// Update applies fn to the current local snapshot, publishes the result
// synchronously, and issues one fire-and-forget full-record write: an
// empty overwrite when fn returns nil (clears fields, keeps the
// document), the full new record otherwise. The local snapshot is
// visible to subscribers before the write is even scheduled.
func (d *Doc[T]) Update(fn func(*T) *T) error {
	if d.degraded {
		return ErrNoBackend
	}

	next := fn(d.val.Get())

	payload := docstore.Fields{}
	if next != nil {
		f, err := docstore.FieldsOf(*next)
		if err != nil {
			return fmt.Errorf("mirror: encode record: %w", err)
		}
		payload = f
	}

	d.val.Set(next)
	d.async(func() {
		if _, err := d.ref.Set(context.Background(), payload); err != nil {
			d.writeFailed(err)
		}
	})
	return nil
}

// Set replaces the record with v.
func (d *Doc[T]) Set(v T) error {
	return d.Update(func(*T) *T { return &v })
}

// Ref returns the underlying document reference, nil in degraded mode.
func (d *Doc[T]) Ref() docstore.DocRef { return d.ref }

// ID returns the document's identity, empty in degraded mode.
func (d *Doc[T]) ID() string {
	if d.ref == nil {
		return ""
	}
	return d.ref.ID()
}

func (d *Doc[T]) writeFailed(err error) {
	if d.onFail != nil {
		d.onFail(err)
		return
	}
	d.log.Error("remote write failed", log.Error(err))
}
