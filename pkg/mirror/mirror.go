// Package mirror keeps in-memory observable state synchronized with a
// remote document store. Three bindings share one pattern: a reactive
// store whose single backend watch is attached while at least one
// consumer subscribes, synchronous local publication of mutations, and
// fire-and-forget remote writes reconciled by the next backend
// notification.
//
// Doc mirrors one document, Collection mirrors an ordered document set
// and owns the diff engine, Identity projects the auth collaborator's
// change stream. Writes never block the local read path and their
// results are discarded on purpose: the backend watch is the sole
// reconciliation channel, so local state is eventually corrected even
// when a write fails.
package mirror

import (
	"errors"

	"github.com/driftsync/driftsync/pkg/log"
)

var (
	// ErrNoBackend reports a write on a mirror that degraded to a
	// static store because it was built without a backend reference.
	ErrNoBackend = errors.New("mirror: no backend reference, write path disabled")

	// ErrAddToQuery reports Add on a query-typed reference. A query has
	// no canonical insertion location.
	ErrAddToQuery = errors.New("mirror: cannot add to a query reference")

	// ErrUnresolvedDoc reports Delete of a record whose reference can
	// neither be read from the record nor reconstructed from its
	// identity.
	ErrUnresolvedDoc = errors.New("mirror: document reference cannot be resolved")
)

// goAsync is the default write scheduler. Tests substitute a synchronous
// runner through the config to make write counting deterministic.
func goAsync(fn func()) { go fn() }

func defaultLog(l log.Log, kind string) log.Log {
	if l == nil {
		l = log.Provide()
	}
	return l.With(log.String("component", "mirror"), log.String("kind", kind))
}
