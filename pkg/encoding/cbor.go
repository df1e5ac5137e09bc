// Package encoding provides the canonical byte encoding used across
// driftsync for document fields and wire frames. Encoding is CBOR with
// Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer representation, no indefinite-length items. The same logical
// value always produces identical bytes, which is what makes byte-level
// equality and digests usable as a structural-equality fast path.
package encoding

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("encoding: cbor encoder init: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Driftsync field maps are always string-keyed. Any-typed decode
		// targets default to map[interface{}]interface{} otherwise, which
		// nothing downstream can work with.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("encoding: cbor decoder init: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, kept as an alias so callers
// do not import the cbor package directly.
type RawMessage = cbor.RawMessage

// NewEncoder returns a stream encoder writing deterministic CBOR to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading CBOR from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
