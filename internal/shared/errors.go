package shared

import (
	"context"
	"errors"
	"fmt"
)

// Kind discriminates engine error classes so callers can branch on them.
type Kind string

const (
	// KindInvalidFilter indicates malformed or out-of-range caller input.
	KindInvalidFilter Kind = "invalid_filter"
	// KindNotFound indicates a referenced record does not exist.
	KindNotFound Kind = "not_found"
	// KindConflictingTransition indicates an illegal status change.
	KindConflictingTransition Kind = "conflicting_transition"
	// KindStorageUnavailable indicates a transient ledger-store failure.
	KindStorageUnavailable Kind = "storage_unavailable"
	// KindCancelled indicates caller-initiated cancellation.
	KindCancelled Kind = "cancelled"
)

// Error carries a kind alongside the message and wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

// Unwrap exposes the cause for errors.Is chains.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from an error chain, empty when untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// InvalidFilterf builds an InvalidFilter error.
func InvalidFilterf(format string, args ...any) error {
	return &Error{Kind: KindInvalidFilter, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a ConflictingTransition error.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflictingTransition, Msg: fmt.Sprintf(format, args...)}
}

// StorageUnavailable wraps a transient store failure.
func StorageUnavailable(err error) error {
	return &Error{Kind: KindStorageUnavailable, Msg: "ledger store unavailable", Err: err}
}

// Cancelled wraps a context cancellation surfaced from a read or write.
func Cancelled(err error) error {
	return &Error{Kind: KindCancelled, Msg: "operation cancelled", Err: err}
}

// UserSafeMessage returns a message safe to surface to API callers. Typed
// errors expose their message; anything untyped collapses to a generic one
// so internal detail never leaks.
func UserSafeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// FromContextErr maps context errors to Cancelled, passing others through.
func FromContextErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled(err)
	}
	return err
}
