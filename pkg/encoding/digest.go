package encoding

import "github.com/cespare/xxhash/v2"

// Digest returns a 64-bit content digest of v's canonical encoding.
// Values that encode to the same bytes share a digest, so it can be
// used to reject inequality cheaply before comparing full encodings.
func Digest(v any) (uint64, error) {
	raw, err := Marshal(v)
	if err != nil {
		return 0, err
	}
	return DigestBytes(raw), nil
}

// DigestBytes returns the digest of an already-encoded value.
func DigestBytes(raw []byte) uint64 {
	return xxhash.Sum64(raw)
}
