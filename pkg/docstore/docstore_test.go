package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathValidation(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		docOK   bool
		collOK  bool
	}{
		{"collection", "todos", false, true},
		{"document", "todos/t1", true, false},
		{"nested collection", "lists/main/todos", false, true},
		{"nested document", "lists/main/todos/t1", true, false},
		{"empty", "", false, false},
		{"empty segment", "lists//todos", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.docOK, ValidateDocPath(tt.path) == nil)
			assert.Equal(t, tt.collOK, ValidateCollectionPath(tt.path) == nil)
		})
	}
}

func TestFieldsEqual(t *testing.T) {
	a := Fields{"name": "x", "count": 3, "tags": []any{"a", "b"}}
	b := Fields{"tags": []any{"a", "b"}, "count": int64(3), "name": "x"}
	c := Fields{"name": "x", "count": 4, "tags": []any{"a", "b"}}

	assert.True(t, Equal(a, b), "key order and integer width are not content")
	assert.False(t, Equal(a, c))
	assert.True(t, Equal(nil, Fields{}), "nil and empty are the same content")
}

func TestFieldsRoundTrip(t *testing.T) {
	type todo struct {
		Title string `cbor:"title"`
		Done  bool   `cbor:"done"`
	}

	f, err := FieldsOf(todo{Title: "write tests", Done: true})
	require.NoError(t, err)
	assert.Equal(t, "write tests", f["title"])

	var out todo
	require.NoError(t, f.DataTo(&out))
	assert.Equal(t, todo{Title: "write tests", Done: true}, out)
}

func TestFieldsOfRejectsNonMap(t *testing.T) {
	_, err := FieldsOf(42)
	assert.Error(t, err)
}

func TestQuerySpecApply(t *testing.T) {
	docs := []Document{
		{ID: "a", Fields: Fields{"rank": int64(3), "done": false}},
		{ID: "b", Fields: Fields{"rank": int64(1), "done": true}},
		{ID: "c", Fields: Fields{"rank": int64(2), "done": false}},
	}

	t.Run("filter", func(t *testing.T) {
		q := QuerySpec{Parent: "todos", Filters: []Filter{{Field: "done", Op: "==", Value: false}}}
		got := q.Apply(docs)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "c", got[1].ID)
	})

	t.Run("order and limit", func(t *testing.T) {
		q := QuerySpec{Parent: "todos", Orders: []Order{{Field: "rank"}}, N: 2}
		got := q.Apply(docs)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].ID)
		assert.Equal(t, "c", got[1].ID)
	})

	t.Run("numeric filter across widths", func(t *testing.T) {
		q := QuerySpec{Parent: "todos", Filters: []Filter{{Field: "rank", Op: ">=", Value: 2}}}
		got := q.Apply(docs)
		require.Len(t, got, 2)
	})

	t.Run("validate rejects bad op", func(t *testing.T) {
		q := QuerySpec{Parent: "todos", Filters: []Filter{{Field: "rank", Op: "~", Value: 1}}}
		assert.ErrorIs(t, q.Validate(), ErrBadFilter)
	})
}
