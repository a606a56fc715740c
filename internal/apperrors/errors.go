// internal/apperrors/errors.go
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how the caller should react to them.
type Kind string

const (
	// KindStoreUnavailable: a collaborator is not initialized or not ready.
	// Fatal to the current operation, never retried.
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"
	// KindWriteFailed: persistence failed; optimistic state was rolled back.
	KindWriteFailed Kind = "WRITE_FAILED"
	// KindMalformedCache: local cache content could not be decoded.
	KindMalformedCache Kind = "MALFORMED_CACHE"
	// KindListener: a live subscription delivered an error.
	KindListener Kind = "LISTENER_ERROR"
	// KindValidation: the caller passed bad input.
	KindValidation Kind = "VALIDATION"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrWriteFailed      = errors.New("write failed")
	ErrMalformedCache   = errors.New("malformed cache entry")
	ErrListener         = errors.New("listener error")
	ErrValidation       = errors.New("validation failed")
)

var sentinels = map[Kind]error{
	KindStoreUnavailable: ErrStoreUnavailable,
	KindWriteFailed:      ErrWriteFailed,
	KindMalformedCache:   ErrMalformedCache,
	KindListener:         ErrListener,
	KindValidation:       ErrValidation,
}

// Error carries the kind, the operation that failed and the cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrWriteFailed) match any Error of that kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func StoreUnavailable(op, message string) *Error {
	return New(KindStoreUnavailable, op, message, nil)
}

func WriteFailed(op string, cause error) *Error {
	return New(KindWriteFailed, op, "failed to persist", cause)
}

func MalformedCache(key string, cause error) *Error {
	return New(KindMalformedCache, "cache", fmt.Sprintf("cannot decode %q", key), cause)
}

func Listener(op string, cause error) *Error {
	return New(KindListener, op, "subscription error", cause)
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message, nil)
}

// KindOf returns the kind of the first *Error in the chain, or "".
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
