package domain

import "errors"

// Stable error classes surfaced to callers. Every user-visible failure
// wraps exactly one of these so callers can distinguish retryable from
// terminal conditions.
var (
	// ErrValidation marks malformed input, unbalanced journal lines, or
	// an invalid state transition. Never partially applied.
	ErrValidation = errors.New("validation error")

	// ErrConflict marks an operation that lost to concurrent or prior
	// state, e.g. updating an order already in a terminal status.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited marks an upstream rate limit. Retryable with backoff.
	ErrRateLimited = errors.New("rate limited")

	// ErrUpstreamUnavailable marks a transient upstream failure.
	// Retryable with backoff.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInternal marks an unexpected failure with no better class.
	ErrInternal = errors.New("internal error")
)

// Classification is the stable name of an error class.
type Classification string

// Classification values.
const (
	ClassValidation          Classification = "validation"
	ClassConflict            Classification = "conflict"
	ClassNotFound            Classification = "not-found"
	ClassRateLimited         Classification = "rate-limited"
	ClassUpstreamUnavailable Classification = "upstream-unavailable"
	ClassInternal            Classification = "internal"
)

// Classify maps an error to its stable classification.
// Unrecognized errors classify as internal.
func Classify(err error) Classification {
	switch {
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrUpstreamUnavailable):
		return ClassUpstreamUnavailable
	default:
		return ClassInternal
	}
}

// Retryable reports whether an error class is worth retrying.
func Retryable(err error) bool {
	c := Classify(err)
	return c == ClassRateLimited || c == ClassUpstreamUnavailable
}
