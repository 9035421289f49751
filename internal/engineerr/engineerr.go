// Package engineerr defines the closed vocabulary of error kinds the
// execution engine classifies every failure into, so scheduler and
// handler code branch on a fixed set of kinds instead of string-sniffing
// wrapped errors.
package engineerr

import (
	"context"
	"errors"
)

// Kind is one of the engine's closed set of error classifications.
type Kind string

const (
	KindInputInvalid        Kind = "input_invalid"
	KindNotFound             Kind = "not_found"
	KindUpstreamUnavailable  Kind = "upstream_unavailable"
	KindUpstreamRateLimited  Kind = "upstream_ratelimited"
	KindTimeout              Kind = "timeout"
	KindValidationFailed     Kind = "validation_failed"
	KindCancelled            Kind = "cancelled"
	KindInternal             Kind = "internal"
	KindConflict             Kind = "conflict"
)

// Error is the engine's typed error carrying a classification kind
// alongside the underlying cause.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// New creates an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Wrap classifies an existing error under kind, keeping it as the cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{kind: kind, message: message, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Retryable reports whether a scheduler retry is worth attempting for
// this kind of failure, independent of whether attempts remain.
func (e *Error) Retryable() bool {
	switch e.kind {
	case KindUpstreamUnavailable, KindUpstreamRateLimited, KindTimeout, KindValidationFailed:
		return true
	default:
		return false
	}
}

// KindOf extracts the engine Kind from err, defaulting to KindInternal
// for errors that were never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

// IsCancelled reports whether err represents cooperative cancellation
// of the job itself (as opposed to a per-card timeout, which still goes
// through the normal retry/fallback quality gate). Recognizes both an
// explicit KindCancelled classification and a raw context.Canceled a
// handler propagated straight from ctx.Err().
func IsCancelled(err error) bool {
	if KindOf(err) == KindCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}
