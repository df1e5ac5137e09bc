// Package docstore defines the backend collaborator contract the mirror
// core synchronizes against: path-addressed references to documents and
// document sets, full-record writes and deletes, and push-based change
// watches delivering complete decoded snapshots. Concrete backends live
// in subpackages (memstore, sqlstore, remote); the synchronization core
// depends only on the interfaces here.
package docstore

import (
	"context"
	"strings"
	"time"
)

// Client resolves path strings to references. A document path has an
// even number of /-separated segments ("lists/main/todos/t1"), a
// collection path an odd number ("lists/main/todos").
type Client interface {
	// Doc resolves a document path. Returns ErrInvalidPath if the path
	// does not name a document.
	Doc(path string) (DocRef, error)

	// Collection resolves a collection path. Returns ErrInvalidPath if
	// the path does not name a collection.
	Collection(path string) (CollectionRef, error)

	// Close releases the client and stops all watches it served.
	Close() error
}

// DocRef is an opaque stable handle to one document. Two refs naming the
// same document report the same Path; that is the identity rule mirrors
// rely on.
type DocRef interface {
	// Path returns the full document path.
	Path() string

	// ID returns the final path segment, the document's identity within
	// its collection.
	ID() string

	// Set overwrites the document's fields in full, creating the
	// document if it does not exist. data is any value encodable to a
	// field map; an empty Fields{} clears all fields while keeping the
	// document.
	Set(ctx context.Context, data any) (WriteResult, error)

	// Delete removes the document. Deleting an absent document is not
	// an error.
	Delete(ctx context.Context) (WriteResult, error)

	// Watch subscribes fn to change notifications. The current state is
	// delivered asynchronously as the first notification (Exists false
	// if the document is absent); every subsequent mutation delivers a
	// fresh full snapshot in order. The returned stop function ends
	// delivery.
	Watch(ctx context.Context, fn func(DocumentSnapshot)) (stop func(), err error)
}

// SetRef is a handle to a document set: either a plain collection or a
// query over one. The mirror core only needs watchability from a set;
// whether it is also a CollectionRef decides if Add and id-based Delete
// are available.
type SetRef interface {
	// Watch subscribes fn to set change notifications with the same
	// delivery contract as DocRef.Watch: current state first, then a
	// full ordered snapshot per mutation.
	Watch(ctx context.Context, fn func(QuerySnapshot)) (stop func(), err error)
}

// CollectionRef is a handle to a plain collection: a watchable set that
// also has a canonical location for inserts.
type CollectionRef interface {
	SetRef

	// Path returns the full collection path.
	Path() string

	// ID returns the final path segment.
	ID() string

	// Doc returns the ref for the member document with the given id.
	Doc(id string) DocRef

	// NewDoc returns a ref with a backend-generated identity. The
	// document does not exist until written.
	NewDoc() DocRef

	// Where narrows the collection to members whose field compares true
	// against value. Supported ops: ==, !=, <, <=, >, >=.
	Where(field, op string, value any) Query

	// OrderBy sorts results by field.
	OrderBy(field string, desc bool) Query

	// Limit caps the result count.
	Limit(n int) Query
}

// Query is a declarative filter/order/limit over one collection. It is
// watchable but has no canonical insertion location, so it is
// deliberately not a CollectionRef.
type Query interface {
	SetRef

	// Where, OrderBy and Limit refine the query further.
	Where(field, op string, value any) Query
	OrderBy(field string, desc bool) Query
	Limit(n int) Query
}

// WriteResult reports the server time a write was applied. Mirror-layer
// writes discard it; that is the intended fire-and-forget contract, not
// an oversight.
type WriteResult struct {
	UpdateTime time.Time
}

// SplitPath splits a path into its segments, rejecting empty paths and
// empty segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for _, s := range segments {
		if s == "" {
			return nil, ErrInvalidPath
		}
	}
	return segments, nil
}

// ValidateDocPath reports whether path names a document (even segment
// count).
func ValidateDocPath(path string) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}
	if len(segments)%2 != 0 {
		return ErrInvalidPath
	}
	return nil
}

// ValidateCollectionPath reports whether path names a collection (odd
// segment count).
func ValidateCollectionPath(path string) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}
	if len(segments)%2 != 1 {
		return ErrInvalidPath
	}
	return nil
}
