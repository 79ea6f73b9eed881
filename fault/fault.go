// Package fault defines the error taxonomy shared by the workflow engine and
// its collaborator clients. Every cross-component error carries a Kind that
// determines whether the operation is retried (transient kinds) or surfaced
// to the caller (deterministic kinds).
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	// KindNotFound indicates the referenced entity does not exist.
	KindNotFound Kind = "not_found"

	// KindInvalidTransition indicates an event is not legal from the
	// current block state.
	KindInvalidTransition Kind = "invalid_transition"

	// KindConflict indicates an optimistic-concurrency version check failed.
	KindConflict Kind = "conflict"

	// KindUnavailable indicates a collaborator or the store is unreachable.
	KindUnavailable Kind = "unavailable"

	// KindTimeout indicates a wall-clock deadline elapsed.
	KindTimeout Kind = "timeout"

	// KindRateLimited indicates a collaborator rejected the call for rate.
	KindRateLimited Kind = "rate_limited"

	// KindContentFiltered indicates an LLM provider refused the content.
	KindContentFiltered Kind = "content_filtered"

	// KindInternal indicates an invariant violation or unclassified failure.
	KindInternal Kind = "internal"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Transient reports whether errors of this kind may succeed on retry.
// Deterministic kinds end the current attempt without retry.
func (k Kind) Transient() bool {
	switch k {
	case KindUnavailable, KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is a kinded error. It wraps an underlying cause when one exists so
// errors.Is/As keep working through the classification layer.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

// New creates a kinded error with a human-readable detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a kinded error with a formatted detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: err.Error(), cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindInternal; a nil error reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// IsNotFound reports whether the error is a not_found.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict reports whether the error is an optimistic-lock conflict.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsInvalidTransition reports whether the error is an FSM rejection.
func IsInvalidTransition(err error) bool {
	return KindOf(err) == KindInvalidTransition
}
