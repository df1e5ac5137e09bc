package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalDeterministic(t *testing.T) {
	a := map[string]any{"name": "alpha", "count": 3, "tags": []string{"x", "y"}}
	b := map[string]any{"tags": []string{"x", "y"}, "count": 3, "name": "alpha"}

	rawA, err := Marshal(a)
	require.NoError(t, err)
	rawB, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, rawA, rawB, "map key order must not affect encoding")
}

func TestMarshalIntegerWidths(t *testing.T) {
	// The same logical integer must encode identically regardless of the
	// Go type it arrives in; diff baselines depend on this.
	variants := []any{int(7), int32(7), int64(7), uint(7), uint64(7)}

	first, err := Marshal(variants[0])
	require.NoError(t, err)
	for _, v := range variants[1:] {
		raw, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, raw)
	}
}

func TestUnmarshalAnyMap(t *testing.T) {
	raw, err := Marshal(map[string]any{"nested": map[string]any{"ok": true}})
	require.NoError(t, err)

	var out any
	require.NoError(t, Unmarshal(raw, &out))

	m, ok := out.(map[string]any)
	require.True(t, ok, "any-typed targets decode to map[string]any")
	_, ok = m["nested"].(map[string]any)
	assert.True(t, ok)
}

func TestDigest(t *testing.T) {
	d1, err := Digest(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	d2, err := Digest(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	d3, err := Digest(map[string]any{"a": 1, "b": 3})
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, d3)
}
