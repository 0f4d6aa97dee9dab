package shared

import "errors"

var (
	// ErrNotFound indicates the authority confirmed the record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken indicates a write was rejected due to a duplicate email.
	ErrEmailTaken = errors.New("email already in use")
	// ErrRemoteTimeout indicates the authority did not reply within the bounded wait.
	ErrRemoteTimeout = errors.New("authority request timed out")
	// ErrBadReply indicates a reply arrived but could not be decoded.
	ErrBadReply = errors.New("malformed authority reply")
	// ErrContractViolation indicates the authority confirmed a write without
	// returning the canonical record. Systemic fault, not a business outcome.
	ErrContractViolation = errors.New("authority contract violation")
)
