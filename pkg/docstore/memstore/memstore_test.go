package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/docstore"
)

func recvDoc(t *testing.T, ch <-chan docstore.DocumentSnapshot) docstore.DocumentSnapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for document snapshot")
		return docstore.DocumentSnapshot{}
	}
}

func recvSet(t *testing.T, ch <-chan docstore.QuerySnapshot) docstore.QuerySnapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for query snapshot")
		return docstore.QuerySnapshot{}
	}
}

func TestDocWriteAndWatch(t *testing.T) {
	s := New()
	defer func() { _ = s.Close() }()

	ref, err := s.Doc("todos/t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", ref.ID())

	ch := make(chan docstore.DocumentSnapshot, 8)
	stop, err := ref.Watch(context.Background(), func(snap docstore.DocumentSnapshot) { ch <- snap })
	require.NoError(t, err)
	defer stop()

	first := recvDoc(t, ch)
	assert.False(t, first.Exists, "initial notification reports the absent document")

	_, err = ref.Set(context.Background(), docstore.Fields{"title": "buy milk"})
	require.NoError(t, err)

	snap := recvDoc(t, ch)
	require.True(t, snap.Exists)
	assert.Equal(t, "buy milk", snap.Fields["title"])
	assert.Equal(t, ref.Path(), snap.Ref.Path())

	_, err = ref.Delete(context.Background())
	require.NoError(t, err)
	assert.False(t, recvDoc(t, ch).Exists)
}

func TestCollectionWatchOrderedByID(t *testing.T) {
	s := New()
	defer func() { _ = s.Close() }()

	coll, err := s.Collection("todos")
	require.NoError(t, err)

	for _, id := range []string{"c", "a", "b"} {
		_, err = coll.Doc(id).Set(context.Background(), docstore.Fields{"n": id})
		require.NoError(t, err)
	}

	ch := make(chan docstore.QuerySnapshot, 8)
	stop, err := coll.Watch(context.Background(), func(snap docstore.QuerySnapshot) { ch <- snap })
	require.NoError(t, err)
	defer stop()

	snap := recvSet(t, ch)
	require.Len(t, snap.Docs, 3)
	assert.Equal(t, "a", snap.Docs[0].ID)
	assert.Equal(t, "b", snap.Docs[1].ID)
	assert.Equal(t, "c", snap.Docs[2].ID)
}

func TestQueryWatch(t *testing.T) {
	s := New()
	defer func() { _ = s.Close() }()

	coll, err := s.Collection("todos")
	require.NoError(t, err)
	for i, id := range []string{"a", "b", "c"} {
		_, err = coll.Doc(id).Set(context.Background(), docstore.Fields{"rank": i, "done": id == "b"})
		require.NoError(t, err)
	}

	q := coll.Where("done", "==", false).OrderBy("rank", true).Limit(1)
	ch := make(chan docstore.QuerySnapshot, 8)
	stop, err := q.Watch(context.Background(), func(snap docstore.QuerySnapshot) { ch <- snap })
	require.NoError(t, err)
	defer stop()

	snap := recvSet(t, ch)
	require.Len(t, snap.Docs, 1)
	assert.Equal(t, "c", snap.Docs[0].ID)

	// A mutation in the parent collection re-evaluates the query.
	_, err = coll.Doc("d").Set(context.Background(), docstore.Fields{"rank": 9, "done": false})
	require.NoError(t, err)
	snap = recvSet(t, ch)
	require.Len(t, snap.Docs, 1)
	assert.Equal(t, "d", snap.Docs[0].ID)
}

func TestWatcherCannotCorruptStore(t *testing.T) {
	s := New()
	defer func() { _ = s.Close() }()

	coll, err := s.Collection("todos")
	require.NoError(t, err)
	_, err = coll.Doc("a").Set(context.Background(), docstore.Fields{"n": int64(1)})
	require.NoError(t, err)

	ch := make(chan docstore.QuerySnapshot, 8)
	stop, err := coll.Watch(context.Background(), func(snap docstore.QuerySnapshot) { ch <- snap })
	require.NoError(t, err)
	defer stop()

	snap := recvSet(t, ch)
	snap.Docs[0].Fields["n"] = int64(999)

	ch2 := make(chan docstore.QuerySnapshot, 8)
	stop2, err := coll.Watch(context.Background(), func(snap docstore.QuerySnapshot) { ch2 <- snap })
	require.NoError(t, err)
	defer stop2()

	fresh := recvSet(t, ch2)
	assert.EqualValues(t, 1, fresh.Docs[0].Fields["n"], "each snapshot decodes fresh field maps")
}

func TestNewDocGeneratesUniqueIDs(t *testing.T) {
	s := New()
	coll, err := s.Collection("todos")
	require.NoError(t, err)

	a, b := coll.NewDoc(), coll.NewDoc()
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestWriteDeleteCounters(t *testing.T) {
	s := New()
	coll, err := s.Collection("todos")
	require.NoError(t, err)

	_, err = coll.Doc("a").Set(context.Background(), docstore.Fields{"n": 1})
	require.NoError(t, err)
	_, err = coll.Doc("a").Delete(context.Background())
	require.NoError(t, err)
	_, err = coll.Doc("missing").Delete(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, s.Writes())
	assert.EqualValues(t, 1, s.Deletes(), "deleting an absent document counts nothing")
}

func TestInvalidPaths(t *testing.T) {
	s := New()
	_, err := s.Doc("todos")
	assert.ErrorIs(t, err, docstore.ErrInvalidPath)
	_, err = s.Collection("todos/t1")
	assert.ErrorIs(t, err, docstore.ErrInvalidPath)
}

func TestClosedStore(t *testing.T) {
	s := New()
	ref, err := s.Doc("todos/t1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = ref.Set(context.Background(), docstore.Fields{"n": 1})
	assert.ErrorIs(t, err, docstore.ErrClosed)
	_, err = ref.Watch(context.Background(), func(docstore.DocumentSnapshot) {})
	assert.ErrorIs(t, err, docstore.ErrClosed)
}
