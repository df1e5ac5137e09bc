package mirror

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/docstore"
	"github.com/driftsync/driftsync/pkg/docstore/memstore"
	"github.com/driftsync/driftsync/pkg/log"
)

type todo struct {
	Title string `cbor:"title"`
	Rank  int64  `cbor:"rank"`
}

// syncRun applies writes inline so backend counters observe them
// deterministically.
func syncRun(fn func()) { fn() }

func recvDocs(t *testing.T, ch <-chan []Document[todo], want int) []Document[todo] {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case docs := <-ch:
			if len(docs) == want {
				return docs
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a snapshot of %d records", want)
		}
	}
}

// newCollectionFixture seeds a backend collection, opens a mirror with a
// synchronous write scheduler, and waits until the baseline holds the
// seeded records.
func newCollectionFixture(t *testing.T, seed map[string]todo) (*memstore.Store, *Collection[todo], chan []Document[todo], func()) {
	t.Helper()

	s := memstore.New()
	coll, err := s.Collection("todos")
	require.NoError(t, err)

	for id, v := range seed {
		_, err = coll.Doc(id).Set(context.Background(), mustFields(t, v))
		require.NoError(t, err)
	}

	m := NewCollection[todo](coll, &CollectionConfig[todo]{Async: syncRun, Log: log.Nop()})
	ch := make(chan []Document[todo], 64)
	unsub := m.Subscribe(func(docs []Document[todo]) { ch <- docs })
	recvDocs(t, ch, len(seed))

	return s, m, ch, func() {
		unsub()
		_ = s.Close()
	}
}

func mustFields(t *testing.T, v any) docstore.Fields {
	t.Helper()
	f, err := docstore.FieldsOf(v)
	require.NoError(t, err)
	return f
}

func TestUpdateWritesOnlyDirtyRecords(t *testing.T) {
	s, m, _, done := newCollectionFixture(t, map[string]todo{
		"a": {Title: "first", Rank: 1},
		"b": {Title: "second", Rank: 2},
	})
	defer done()

	before := s.Writes()
	err := m.Update(func(prev []Document[todo]) []Document[todo] {
		next := append([]Document[todo](nil), prev...)
		for i := range next {
			if next[i].ID == "b" {
				next[i].Data.Rank = 3
			}
		}
		return next
	})
	require.NoError(t, err)

	assert.EqualValues(t, 1, s.Writes()-before, "exactly the dirty record is written")

	// The write went to b, in full.
	ref, err := s.Doc("todos/b")
	require.NoError(t, err)
	ch := make(chan docstore.DocumentSnapshot, 4)
	stop, err := ref.Watch(context.Background(), func(snap docstore.DocumentSnapshot) { ch <- snap })
	require.NoError(t, err)
	defer stop()
	snap := <-ch
	assert.EqualValues(t, 3, snap.Fields["rank"])
	assert.Equal(t, "second", snap.Fields["title"])
}

func TestUpdateIgnoresOrder(t *testing.T) {
	s, m, _, done := newCollectionFixture(t, map[string]todo{
		"a": {Title: "first", Rank: 1},
		"b": {Title: "second", Rank: 2},
	})
	defer done()

	before := s.Writes()
	err := m.Update(func(prev []Document[todo]) []Document[todo] {
		next := make([]Document[todo], len(prev))
		for i, d := range prev {
			next[len(prev)-1-i] = d
		}
		return next
	})
	require.NoError(t, err)
	assert.Equal(t, before, s.Writes(), "order is not content")
}

func TestUpdateIdentityIsNoOp(t *testing.T) {
	s, m, _, done := newCollectionFixture(t, map[string]todo{
		"a": {Title: "first", Rank: 1},
		"b": {Title: "second", Rank: 2},
	})
	defer done()

	before := s.Writes()
	require.NoError(t, m.Update(func(prev []Document[todo]) []Document[todo] { return prev }))
	assert.Equal(t, before, s.Writes())
}

func TestUpdateDoesNotWriteNewRecords(t *testing.T) {
	s, m, _, done := newCollectionFixture(t, map[string]todo{
		"a": {Title: "first", Rank: 1},
	})
	defer done()

	before := s.Writes()
	err := m.Update(func(prev []Document[todo]) []Document[todo] {
		return append(prev, Document[todo]{ID: "fresh", Data: todo{Title: "local only"}})
	})
	require.NoError(t, err)
	assert.Equal(t, before, s.Writes(), "records without a baseline match become remote only via Add")
}

func TestReadYourWrite(t *testing.T) {
	var queued []func()
	hold := func(fn func()) { queued = append(queued, fn) }

	s := memstore.New()
	defer func() { _ = s.Close() }()
	coll, err := s.Collection("todos")
	require.NoError(t, err)
	_, err = coll.Doc("a").Set(context.Background(), mustFields(t, todo{Title: "first", Rank: 1}))
	require.NoError(t, err)

	m := NewCollection[todo](coll, &CollectionConfig[todo]{Async: hold, Log: log.Nop()})
	ch := make(chan []Document[todo], 64)
	defer m.Subscribe(func(docs []Document[todo]) { ch <- docs })()
	recvDocs(t, ch, 1)

	next := []Document[todo]{{ID: "a", Data: todo{Title: "renamed", Rank: 1}}}
	require.NoError(t, m.Set(next))

	assert.Equal(t, "renamed", m.Current()[0].Data.Title,
		"local snapshot updates before any remote write runs")
	assert.Len(t, queued, 1)
}

func TestUpdateDiffsAgainstRemoteSnapshot(t *testing.T) {
	var queued []func()
	hold := func(fn func()) { queued = append(queued, fn) }

	s := memstore.New()
	defer func() { _ = s.Close() }()
	coll, err := s.Collection("todos")
	require.NoError(t, err)
	_, err = coll.Doc("a").Set(context.Background(), mustFields(t, todo{Title: "first", Rank: 1}))
	require.NoError(t, err)

	m := NewCollection[todo](coll, &CollectionConfig[todo]{Async: hold, Log: log.Nop()})
	ch := make(chan []Document[todo], 64)
	defer m.Subscribe(func(docs []Document[todo]) { ch <- docs })()
	recvDocs(t, ch, 1)

	require.NoError(t, m.Update(func(prev []Document[todo]) []Document[todo] {
		next := append([]Document[todo](nil), prev...)
		next[0].Data.Rank = 5
		return next
	}))

	// The backend has not echoed the first write, so a second update
	// still sees the last confirmed state.
	var prevRank int64
	require.NoError(t, m.Update(func(prev []Document[todo]) []Document[todo] {
		prevRank = prev[0].Data.Rank
		return prev
	}))
	assert.EqualValues(t, 1, prevRank, "diff baseline is the remote snapshot, not the local one")
}

func TestOmissionHidesLocallyButDoesNotDelete(t *testing.T) {
	s, m, ch, done := newCollectionFixture(t, map[string]todo{
		"a": {Title: "first", Rank: 1},
		"b": {Title: "second", Rank: 2},
	})
	defer done()

	before := s.Writes()
	err := m.Update(func(prev []Document[todo]) []Document[todo] {
		next := prev[:0:0]
		for _, d := range prev {
			if d.ID != "a" {
				next = append(next, d)
			}
		}
		return next
	})
	require.NoError(t, err)

	assert.Equal(t, before, s.Writes())
	assert.EqualValues(t, 0, s.Deletes(), "omission never deletes remotely")
	assert.Len(t, m.Current(), 1, "omitted record is hidden locally")

	// The next backend notification resynchronizes the omitted record.
	coll, err := s.Collection("todos")
	require.NoError(t, err)
	_, err = coll.Doc("c").Set(context.Background(), mustFields(t, todo{Title: "third", Rank: 3}))
	require.NoError(t, err)

	docs := recvDocs(t, ch, 3)
	assert.Equal(t, "a", docs[0].ID)
}

func TestAddWithExplicitID(t *testing.T) {
	s, m, ch, done := newCollectionFixture(t, map[string]todo{})
	defer done()

	ref, err := m.Add(Document[todo]{ID: "k", Data: todo{Title: "keyed"}})
	require.NoError(t, err)
	assert.Equal(t, "k", ref.ID())
	assert.EqualValues(t, 1, s.Writes(), "exactly one upsert at the caller-chosen identity")

	docs := recvDocs(t, ch, 1)
	assert.Equal(t, "k", docs[0].ID)
	assert.Equal(t, "keyed", docs[0].Data.Title)
}

func TestAddWithGeneratedID(t *testing.T) {
	s, m, ch, done := newCollectionFixture(t, map[string]todo{})
	defer done()

	ref, err := m.Add(Document[todo]{Data: todo{Title: "anonymous"}})
	require.NoError(t, err)
	assert.NotEmpty(t, ref.ID())
	assert.EqualValues(t, 1, s.Writes(), "exactly one backend-generated-identity write")

	docs := recvDocs(t, ch, 1)
	assert.Equal(t, ref.ID(), docs[0].ID)
}

func TestAddToQueryRejects(t *testing.T) {
	s := memstore.New()
	defer func() { _ = s.Close() }()
	coll, err := s.Collection("todos")
	require.NoError(t, err)

	m := NewCollection[todo](coll.Where("rank", ">", 0), &CollectionConfig[todo]{Async: syncRun, Log: log.Nop()})
	defer m.Subscribe(func([]Document[todo]) {})()

	_, err = m.Add(Document[todo]{Data: todo{Title: "x"}})
	assert.ErrorIs(t, err, ErrAddToQuery)
	assert.EqualValues(t, 0, s.Writes(), "a rejected add issues nothing")
}

func TestDeleteResolvesReference(t *testing.T) {
	s, m, ch, done := newCollectionFixture(t, map[string]todo{
		"z": {Title: "doomed", Rank: 1},
	})
	defer done()

	// No stored ref; the identity is resolved against the collection.
	require.NoError(t, m.Delete(Document[todo]{ID: "z"}))
	assert.EqualValues(t, 1, s.Deletes())
	recvDocs(t, ch, 0)
}

func TestDeleteOnQueryRequiresStoredRef(t *testing.T) {
	s := memstore.New()
	defer func() { _ = s.Close() }()
	coll, err := s.Collection("todos")
	require.NoError(t, err)
	_, err = coll.Doc("z").Set(context.Background(), mustFields(t, todo{Title: "doomed", Rank: 5}))
	require.NoError(t, err)

	m := NewCollection[todo](coll.Where("rank", ">", 0), &CollectionConfig[todo]{Async: syncRun, Log: log.Nop()})
	ch := make(chan []Document[todo], 64)
	defer m.Subscribe(func(docs []Document[todo]) { ch <- docs })()
	docs := recvDocs(t, ch, 1)

	err = m.Delete(Document[todo]{ID: "z"})
	assert.ErrorIs(t, err, ErrUnresolvedDoc)
	assert.EqualValues(t, 0, s.Deletes(), "a rejected delete issues nothing")

	// With the stored reference from the snapshot it resolves fine.
	require.NoError(t, m.Delete(docs[0]))
	assert.EqualValues(t, 1, s.Deletes())
}

func TestSubscriptionRefcounting(t *testing.T) {
	set := &countingSet{}
	m := NewCollection[todo](set, &CollectionConfig[todo]{Async: syncRun, Log: log.Nop()})

	unsubs := make([]func(), 0, 5)
	for i := 0; i < 5; i++ {
		unsubs = append(unsubs, m.Subscribe(func([]Document[todo]) {}))
	}
	assert.EqualValues(t, 1, set.watches.Load(), "one backend listener across overlapping consumers")

	// Detach in scrambled order.
	for _, i := range []int{2, 0, 4, 1} {
		unsubs[i]()
	}
	assert.EqualValues(t, 0, set.stops.Load())
	unsubs[3]()
	assert.EqualValues(t, 1, set.stops.Load(), "listener closes once after the last detach")
}

func TestCollectionDegradedMode(t *testing.T) {
	initial := []Document[todo]{{ID: "seed", Data: todo{Title: "static"}}}
	m := NewCollection[todo](nil, &CollectionConfig[todo]{Initial: initial, Log: log.Nop()})

	var got []Document[todo]
	defer m.Subscribe(func(docs []Document[todo]) { got = docs })()
	assert.Equal(t, initial, got)

	assert.ErrorIs(t, m.Update(func(p []Document[todo]) []Document[todo] { return p }), ErrNoBackend)
	assert.ErrorIs(t, m.Set(nil), ErrNoBackend)
	_, err := m.Add(Document[todo]{ID: "x"})
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.ErrorIs(t, m.Delete(initial[0]), ErrNoBackend)
	assert.Nil(t, m.Ref())
}

// countingSet is a SetRef that counts watch attaches and detaches and
// delivers one empty snapshot per attach.
type countingSet struct {
	watches atomic.Int64
	stops   atomic.Int64
}

func (f *countingSet) Watch(_ context.Context, fn func(docstore.QuerySnapshot)) (func(), error) {
	f.watches.Add(1)
	fn(docstore.QuerySnapshot{})
	return func() { f.stops.Add(1) }, nil
}
