package validate

// ============================================================================
// Validator Error Definitions
// Purpose: Define all command-list validation error types
// All of these are hard rejections: the job is never enqueued
// ============================================================================

import "errors"

// Predefined errors
var (
	// ErrBadPacket indicates an unknown packet tag or a truncated payload
	ErrBadPacket = errors.New("validate: malformed packet")

	// ErrBadHandleIndex indicates a BO table index outside the submitted
	// handle table
	ErrBadHandleIndex = errors.New("validate: BO handle index out of range")

	// ErrBufferBounds indicates a reference reaching past the end of the
	// backing BO (offset + length > size). This is the critical safety
	// boundary: the hardware has no per-access memory protection.
	ErrBufferBounds = errors.New("validate: reference outside buffer bounds")

	// ErrMissingStructure indicates a required structural packet (tile
	// binning mode config, start tile binning, increment semaphore) was
	// never seen
	ErrMissingStructure = errors.New("validate: missing required structural packet")

	// ErrDuplicateStructure indicates a structural packet that must appear
	// exactly once appeared again
	ErrDuplicateStructure = errors.New("validate: duplicate structural packet")

	// ErrTileBounds indicates the binning config requests more tiles than
	// the hardware supports
	ErrTileBounds = errors.New("validate: tile dimensions exceed hardware maximum")

	// ErrBadShader indicates shader validation failed at creation time,
	// or a shader state record references a non-shader BO
	ErrBadShader = errors.New("validate: invalid shader")

	// ErrShaderIndex indicates a shader state record index at or past the
	// declared record count
	ErrShaderIndex = errors.New("validate: shader state index out of range")

	// ErrShaderRecCount indicates a declared shader record count larger
	// than the bin list could possibly reference. The count sizes an
	// allocation, so it must be bounded before anything is allocated.
	ErrShaderRecCount = errors.New("validate: shader record count exceeds bin list capacity")

	// ErrNoShaderState indicates a draw packet with no shader state set up
	ErrNoShaderState = errors.New("validate: draw before any shader state")
)
