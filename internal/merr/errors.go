// Package merr defines the error kinds shared across monocle's subsystems.
//
// Callers distinguish failure modes with errors.Is against these sentinels,
// following the wrapped-error idiom bgpipe uses throughout core/.
package merr

import "errors"

var (
	// ErrInvalidInput marks malformed prefixes, timestamps, enum values,
	// or mutually exclusive flags.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStale marks a lookup against a cache that was never populated
	// or is past its TTL. Distinguished from "not found" (which means the
	// cache was queried and had no matching record).
	ErrStale = errors.New("cache empty or not yet initialized")

	// ErrNotFound marks a lookup against a populated cache that found
	// no matching record.
	ErrNotFound = errors.New("not found")

	// ErrUpstream marks network, HTTP, or DNS failures while fetching
	// from an external source.
	ErrUpstream = errors.New("upstream unreachable")

	// ErrProtocol marks a malformed upstream payload: an RTR error PDU,
	// a truncated MRT record, a malformed JSON snapshot.
	ErrProtocol = errors.New("upstream protocol error")

	// ErrStorage marks an open/read/write/transaction failure against
	// the embedded store.
	ErrStorage = errors.New("storage I/O error")

	// ErrCancelled marks cooperative cancellation observed by a caller.
	ErrCancelled = errors.New("cancelled")
)
