// Package errs defines the sentinel errors shared across the watermarking
// core. Callers classify failures with errors.Is; wrapping with fmt.Errorf
// and %w preserves the sentinel.
package errs

import "errors"

var (
	// ErrCapacityExceeded is returned when a payload's encoded bit length
	// exceeds the codec capacity for the given frame and config. The frame
	// is never mutated in this case.
	ErrCapacityExceeded = errors.New("payload exceeds codec capacity")

	// ErrEncryptionFailure is returned when key material is invalid or the
	// payload cannot be sealed.
	ErrEncryptionFailure = errors.New("payload encryption failure")

	// ErrQualityFloor is returned when an embed would push the frame's PSNR
	// below the configured floor; the original frame is left untouched.
	ErrQualityFloor = errors.New("embedding rejected by quality floor")

	// ErrProviderWebhookInvalid is returned for webhook payloads whose
	// signature or schema fails validation at the adapter boundary.
	ErrProviderWebhookInvalid = errors.New("provider webhook invalid")

	// ErrSessionNotFound is returned for operations on a session the
	// applier does not know.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionStopped is returned when a frame or rotation is submitted
	// to a session that has already reached its terminal state.
	ErrSessionStopped = errors.New("session stopped")

	// ErrInvalidFrame is returned for frame buffers whose dimensions,
	// format, or pixel length are inconsistent.
	ErrInvalidFrame = errors.New("invalid frame buffer")

	// ErrAuthFailed is returned when a sealed payload fails AEAD
	// verification under every candidate key. A structurally intact
	// payload that does not authenticate indicates tampering or a key
	// mismatch and is surfaced as a security event, never as plain
	// corruption.
	ErrAuthFailed = errors.New("payload authentication failed")

	// ErrScanNotFound is returned for lookups of a scan id that was never
	// recorded or has been pruned by retention.
	ErrScanNotFound = errors.New("scan not found")
)
