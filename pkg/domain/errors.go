package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the platform. Kinds, not concrete
// types, cross package boundaries; callers branch on KindOf.
type ErrorKind string

const (
	KindInvalidInput       ErrorKind = "INVALID_INPUT"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindBackendUnavailable ErrorKind = "BACKEND_UNAVAILABLE"
	KindTimeout            ErrorKind = "TIMEOUT"
	KindOverloaded         ErrorKind = "OVERLOADED"
	KindCancelled          ErrorKind = "CANCELLED"
	KindVerificationFailed ErrorKind = "VERIFICATION_FAILED"
	KindConflict           ErrorKind = "CONFLICT"
	KindInternal           ErrorKind = "INTERNAL"
)

// Error carries a kind alongside the message and an optional cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on a bare kind error, e.g.
// errors.Is(err, domain.E(domain.KindNotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// E builds a new kinded error.
func E(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef builds a new kinded error with a formatted message.
func Ef(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind from an error chain. Context errors map to
// their cooperative kinds; anything unrecognized is INTERNAL.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// IsRetryable reports whether the gateway may retry the call locally.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindBackendUnavailable, KindTimeout:
		return true
	}
	return false
}
