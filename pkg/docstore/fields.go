package docstore

import (
	"bytes"
	"fmt"

	"github.com/driftsync/driftsync/pkg/encoding"
)

// Fields is a document's payload: a mapping from field name to value.
// Identity and reference are carried outside the payload (see Document
// and DocumentSnapshot), so Fields holds only associative content.
type Fields map[string]any

// Clone returns a shallow copy. Nested containers are shared; callers
// needing full isolation should round-trip through Encode/DecodeFields.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Encode returns the canonical byte encoding of f. Equal field content
// always yields identical bytes regardless of map iteration order.
func (f Fields) Encode() ([]byte, error) {
	if f == nil {
		f = Fields{}
	}
	return encoding.Marshal(map[string]any(f))
}

// Digest returns the content digest of f's canonical encoding.
func (f Fields) Digest() (uint64, error) {
	raw, err := f.Encode()
	if err != nil {
		return 0, err
	}
	return encoding.DigestBytes(raw), nil
}

// DataTo decodes f into ptr, which must be a pointer to a struct or map.
// Struct fields map by their cbor tags, falling back to field names.
func (f Fields) DataTo(ptr any) error {
	raw, err := f.Encode()
	if err != nil {
		return fmt.Errorf("docstore: encode fields: %w", err)
	}
	if err = encoding.Unmarshal(raw, ptr); err != nil {
		return fmt.Errorf("docstore: decode fields: %w", err)
	}
	return nil
}

// FieldsOf converts an arbitrary encodable value into a field map by
// round-tripping it through the canonical encoding. A nil value yields
// an empty map.
func FieldsOf(v any) (Fields, error) {
	if v == nil {
		return Fields{}, nil
	}
	if f, ok := v.(Fields); ok {
		return f, nil
	}
	if m, ok := v.(map[string]any); ok {
		return Fields(m), nil
	}
	raw, err := encoding.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode value: %w", err)
	}
	var f Fields
	if err = encoding.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("docstore: value is not a field map: %w", err)
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}

// DecodeFields decodes a canonical encoding produced by Fields.Encode.
func DecodeFields(raw []byte) (Fields, error) {
	var f Fields
	if err := encoding.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("docstore: decode fields: %w", err)
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}

// Equal reports deep structural equality of two field maps: associative
// content only, insensitive to map iteration order and to the Go integer
// type a number arrived in. Implemented as canonical-encoding
// comparison; encoding failures compare unequal.
func Equal(a, b Fields) bool {
	rawA, err := a.Encode()
	if err != nil {
		return false
	}
	rawB, err := b.Encode()
	if err != nil {
		return false
	}
	return bytes.Equal(rawA, rawB)
}
