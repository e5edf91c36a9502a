package medvault

import (
	"errors"
	"fmt"
)

var (
	// Request/lifecycle errors
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrDuplicateGrant = errors.New("an active grant already exists")

	ErrEmergencyAccessDisabled = errors.New("emergency access is disabled for this patient")

	// Backend errors
	ErrBackendUnavailable = errors.New("content store unavailable")
	ErrLedgerTimeout      = errors.New("ledger operation timed out")
	ErrKMSUnavailable     = errors.New("KMS service unavailable")

	// Crypto errors
	ErrAuthenticationFailed = errors.New("record authentication failed")
	ErrKeyManagement        = errors.New("key management failure")

	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// NewValidationError wraps ErrValidation with a field-level detail message.
func NewValidationError(field, detail string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, detail)
}

// IsRetryable returns true for transient failures that may succeed on a later
// attempt. ErrLedgerTimeout is deliberately included: the outcome of a timed
// out anchor submission is unknown, and callers are expected to reconcile
// rather than assume failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrLedgerTimeout) ||
		errors.Is(err, ErrKMSUnavailable)
}

// IsAuthError returns true when decryption failed authentication. These
// errors indicate tampering or corruption and must never be retried.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// IsConflict returns true for expected business conflicts that should be
// surfaced to the caller as such, not logged as incidents.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateGrant)
}

// IsAccessError returns true for authorization failures. Adapters must map
// these to the same external status as ErrNotFound so callers cannot probe
// for record existence; only internal logs distinguish the two.
func IsAccessError(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrEmergencyAccessDisabled)
}
