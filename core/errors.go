package core

import "errors"

// Error kinds named in the error handling design. Components wrap these with
// fmt.Errorf("...: %w", ErrX) so callers can match via errors.Is.
var (
	// ErrInvalidInput covers empty names, out-of-range weights, malformed IDs
	// and bad state transitions.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVerificationFailed covers bad signatures, mismatched agent_id/pubkey
	// and wrong keystore passwords.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrTransportFailure covers network timeouts, refused connections and
	// HTTP 5xx responses.
	ErrTransportFailure = errors.New("transport failure")

	// ErrDuplicateCommitment is returned when the ledger reports 409 for an
	// anchor commitment that already exists.
	ErrDuplicateCommitment = errors.New("commitment already anchored")

	// ErrIntegrityFailure covers hash-chain mismatches and tampered cards.
	ErrIntegrityFailure = errors.New("integrity check failed")

	// ErrResourceExhaustion covers disk/memory pressure surfaced by the
	// mayday watchdog.
	ErrResourceExhaustion = errors.New("resource exhaustion")

	// ErrNotFound is returned by lookups over stored collections.
	ErrNotFound = errors.New("not found")
)
