package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/faucetdb/keyhub/internal/config"
)

// ErrorKind classifies every error returned by this package. Callers switch
// on the kind instead of matching messages.
type ErrorKind int

const (
	KindStorageFailure ErrorKind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindValidationFailed
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthenticated:
		return "UNAUTHENTICATED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindNotFound:
		return "NOT_FOUND"
	case KindValidationFailed:
		return "VALIDATION_FAILED"
	case KindConflict:
		return "CONFLICT"
	default:
		return "STORAGE_FAILURE"
	}
}

// Retryable reports whether the same call may succeed if simply repeated.
func (k ErrorKind) Retryable() bool {
	return k == KindStorageFailure
}

// Error is the tagged error returned by the services.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind and message, so package-level
// sentinels like ErrExpiredToken work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message && t.Op == e.Op
}

// KindOf returns the kind of err. Errors not produced by this package are
// treated as storage failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorageFailure
}

// MessageOf returns the caller-safe message of err. Storage failures never
// expose internal detail.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindStorageFailure {
		return e.Message
	}
	return "internal storage error, please retry"
}

func newError(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func validationError(op, format string, args ...interface{}) *Error {
	return newError(KindValidationFailed, op, format, args...)
}

func notFoundError(op, format string, args ...interface{}) *Error {
	return newError(KindNotFound, op, format, args...)
}

// storeError converts a store error into the service taxonomy.
func storeError(op string, err error) *Error {
	switch {
	case errors.Is(err, config.ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, Message: "not found"}
	case errors.Is(err, config.ErrVersionConflict):
		return &Error{Kind: KindConflict, Op: op, Message: "concurrent modification, please retry", Err: err}
	case errors.Is(err, config.ErrDuplicate):
		return &Error{Kind: KindConflict, Op: op, Message: "already exists", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindStorageFailure, Op: op, Message: "storage timeout", Err: err}
	default:
		return &Error{Kind: KindStorageFailure, Op: op, Message: "storage failure", Err: err}
	}
}
