package errs

import (
	"errors"
	"fmt"
)

// Cross-layer error taxonomy. Components wrap these sentinels with
// fmt.Errorf("%w: ...") so handlers can map any failure to a status code
// without inspecting component internals.
var (
	// ErrConfig marks missing or broken process configuration, e.g. an
	// unset master secret. Fatal, surfaced as 5xx, never retried.
	ErrConfig = errors.New("configuration error")

	// ErrMalformedInput marks structurally invalid caller input: bad token
	// shape, bad CIDR entry, non-numeric code. 4xx, not retried.
	ErrMalformedInput = errors.New("malformed input")

	// ErrAuthentication covers signature mismatches, expired tokens and
	// invalid, expired or consumed codes. Callers are told that
	// authentication failed, not which check failed.
	ErrAuthentication = errors.New("authentication failed")

	// ErrDecryption is deliberately distinct from ErrAuthentication:
	// "ciphertext exists but cannot be opened without the key" must never
	// read as "access denied".
	ErrDecryption = errors.New("decryption failed")

	// ErrTransientStore marks timeouts and connectivity failures in the
	// backing stores. The calling layer may retry; crypto primitives never do.
	ErrTransientStore = errors.New("transient store failure")

	// ErrTooManyAttempts is returned by the OTP validation throttle
	// regardless of code correctness.
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrUnauthorized is the arbiter's no-match-in-any-trust-domain outcome.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound marks a lookup of a row that does not exist. 404, never
	// used on authorization paths where it would leak resource existence.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a conditional write that lost to an earlier one,
	// e.g. generating a data key for a tenant that already has one.
	ErrConflict = errors.New("conflict")
)

// DenialReason identifies which admission check rejected a request.
type DenialReason string

const (
	ReasonForeignIP   DenialReason = "FOREIGN_IP"
	ReasonIPBlocked   DenialReason = "IP_BLOCKED"
	ReasonRateLimited DenialReason = "RATE_LIMITED"
)

// AdmissionDeniedError carries the reason code to the caller but none of the
// underlying policy data.
type AdmissionDeniedError struct {
	Reason DenialReason
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// Denied builds an AdmissionDeniedError for the given reason.
func Denied(reason DenialReason) error {
	return &AdmissionDeniedError{Reason: reason}
}

// AsDenial unwraps an AdmissionDeniedError if err carries one.
func AsDenial(err error) (*AdmissionDeniedError, bool) {
	var d *AdmissionDeniedError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
