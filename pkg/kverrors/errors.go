package kverrors

import "errors"

var (
	// ErrNotFound is returned for an absent (or tombstoned) key. Recoverable.
	ErrNotFound = errors.New("quorumkv: not found")

	// ErrVersionConflict marks a replicated apply carrying a stale version.
	// Resolved inside the storage node as a no-op, never surfaced to clients.
	ErrVersionConflict = errors.New("quorumkv: stale version")

	// ErrUnavailable means no reachable node could satisfy the request
	// within the retry budget. Retryable by the caller.
	ErrUnavailable = errors.New("quorumkv: unavailable")

	// ErrIndeterminate means the primary accepted a write but the durability
	// threshold was not confirmed before the timeout. The outcome is unknown;
	// retrying is safe because versions are monotonic.
	ErrIndeterminate = errors.New("quorumkv: write outcome indeterminate")

	// ErrCorrupt means the local log failed integrity verification. Fatal:
	// the node refuses to serve until repaired.
	ErrCorrupt = errors.New("quorumkv: log corrupt")

	ErrClosed    = errors.New("quorumkv: closed")
	ErrStaleView = errors.New("quorumkv: stale shard map view")
)
