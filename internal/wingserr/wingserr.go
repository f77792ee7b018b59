// Package wingserr defines the error taxonomy shared across wingsd's
// subsystems (§7 of the design spec).
package wingserr

import "errors"

// Sentinel errors returned by the confined filesystem, archive engine and
// backup adapters. Callers should match with errors.Is, since these are
// frequently wrapped with path/context information before being returned.
var (
	// ErrNotFound is returned both for genuinely missing paths and for
	// paths that resolve outside the confined root, so that callers
	// cannot use timing or error shape to distinguish the two cases
	// (§4.B: "indistinguishable from missing, to avoid oracle attacks").
	ErrNotFound = errors.New("wingsd: not found")

	// ErrQuotaExceeded is returned when a write would push a server's
	// tracked disk usage past its configured limit.
	ErrQuotaExceeded = errors.New("wingsd: quota exceeded")

	// ErrIgnored is returned for writes that target an ignored path.
	// Reads of already-existing ignored paths are unaffected.
	ErrIgnored = errors.New("wingsd: path is ignored")

	// ErrArchiveFormat is returned when an archive's container or
	// compression cannot be determined, or its header is malformed.
	ErrArchiveFormat = errors.New("wingsd: unrecognised archive format")

	// ErrUpstream is returned when the panel is unreachable or answers
	// with a non-success status.
	ErrUpstream = errors.New("wingsd: upstream panel error")

	// ErrSubprocess is returned when an external tool (the snapshot CLI)
	// exits non-zero.
	ErrSubprocess = errors.New("wingsd: subprocess failed")

	// ErrCancelled marks a task that was aborted by its owner dropping
	// its handle; it is never surfaced to end users as an error.
	ErrCancelled = errors.New("wingsd: operation cancelled")
)
