package trust

import "errors"

var (
	// ErrCompromised is returned by callers that refuse to act on a
	// COMPROMISED verdict.
	ErrCompromised = errors.New("binary content does not match its trust record")

	// ErrSignatureInvalid means a signature was checked and rejected.
	ErrSignatureInvalid = errors.New("signature verification failed")

	// ErrSignatureUnavailable means the signature could not be checked at
	// all: offline mode, toolchain missing, or a network failure.
	ErrSignatureUnavailable = errors.New("signature verification unavailable")

	// ErrProvenanceInvalid means the attestation was fetched and rejected.
	ErrProvenanceInvalid = errors.New("provenance verification failed")

	// ErrProvenanceUnavailable means the attestation could not be fetched.
	ErrProvenanceUnavailable = errors.New("provenance unavailable")
)
