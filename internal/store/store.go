// Package store persists bidwatch records in PostgreSQL. The storetest
// subpackage holds an in-memory double with the same semantics.
package store

import "errors"

var (
	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable means the durable store cannot be reached at all. It is
	// the one failure class that escapes a run boundary.
	ErrUnavailable = errors.New("store unavailable")
)
