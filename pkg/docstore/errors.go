package docstore

import "errors"

var (
	// ErrInvalidPath reports a path whose segment shape does not match
	// the reference kind it was resolved as.
	ErrInvalidPath = errors.New("docstore: invalid path")

	// ErrClosed reports an operation on a closed client.
	ErrClosed = errors.New("docstore: client closed")

	// ErrBadFilter reports an unsupported comparison operator in a
	// query filter.
	ErrBadFilter = errors.New("docstore: unsupported filter operator")
)
