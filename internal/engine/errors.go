package engine

// ============================================================================
// Engine Error Definitions
// Purpose: Define the error types surfaced by submission and wait paths
// ============================================================================

import "errors"

// Predefined errors
var (
	// ErrHung indicates the watchdog declared the job's hardware run dead
	// and force-completed it. The job's side effects are undefined.
	ErrHung = errors.New("engine: job hung, hardware was reset")

	// ErrTimedOut indicates a wait deadline elapsed before the target
	// seqno completed. The job itself is unaffected and may still finish.
	ErrTimedOut = errors.New("engine: wait timed out")

	// ErrBadSeqno indicates a wait for a seqno that was never emitted
	ErrBadSeqno = errors.New("engine: seqno not emitted")

	// ErrClosed indicates the engine has been shut down
	ErrClosed = errors.New("engine: closed")
)
