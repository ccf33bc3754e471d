package bo

// ============================================================================
// BO Store Error Definitions
// Purpose: Define all buffer-object related error types
// ============================================================================

import "errors"

// Predefined errors
var (
	// ErrOutOfMemory indicates the arena cannot satisfy the request even
	// after a forced reclamation pass over the cache
	ErrOutOfMemory = errors.New("bo: out of memory")

	// ErrOverRelease indicates Release was called on a BO whose refcount
	// is already zero (would be a double free)
	ErrOverRelease = errors.New("bo: release of unreferenced buffer")

	// ErrRetainFree indicates Retain was called on a BO whose refcount is
	// already zero; such a BO belongs to the cache (or is freed) and must
	// not be resurrected
	ErrRetainFree = errors.New("bo: retain of unreferenced buffer")

	// ErrBadHandle indicates the handle does not resolve to a live BO
	ErrBadHandle = errors.New("bo: unknown handle")

	// ErrZeroSize indicates an allocation request for zero bytes
	ErrZeroSize = errors.New("bo: zero-size allocation")

	// ErrStoreClosed indicates the store has been shut down
	ErrStoreClosed = errors.New("bo: store closed")

	// errArenaFull is internal: the arena free list has no fitting span.
	// Callers see ErrOutOfMemory only after reclamation also fails.
	errArenaFull = errors.New("bo: arena full")
)
