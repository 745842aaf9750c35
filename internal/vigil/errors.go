package vigil

import "errors"

// Error classes shared by all components. Callers wrap one of these with
// fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	// ErrTransient marks failures that are retried on the next tick or attempt:
	// network errors, timeouts, server 5xx, locked files.
	ErrTransient = errors.New("transient failure")

	// ErrIntegrity marks content that failed verification: rule bundle hash or
	// signature mismatch, corrupt vault manifest entries, restore checksum mismatch.
	ErrIntegrity = errors.New("integrity failure")

	// ErrResource marks exhausted local resources: full queue, disk full, missing
	// permissions.
	ErrResource = errors.New("resource failure")

	// ErrAuthoritative marks a definitive answer from the license server
	// (revoked, invalid, seat limit exceeded). No grace period applies.
	ErrAuthoritative = errors.New("authoritative rejection")
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")
