// Package failure defines the error taxonomy shared by the coalescer and the
// resilient client. Every upstream failure carries exactly one Class, which
// decides whether the client retries it.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Class is the classification tag attached to a failure.
type Class string

const (
	// ClassTransientUpstream covers gateway errors, unavailable upstreams and
	// network failures. Retried up to the attempt cap.
	ClassTransientUpstream Class = "transient-upstream"

	// ClassRateLimited is surfaced immediately so the caller can back off.
	ClassRateLimited Class = "rate-limited"

	// ClassFatal covers malformed requests and permanent 4xx-class outcomes.
	ClassFatal Class = "fatal"
)

// Sentinels usable with errors.Is. An *Error matches the sentinel of its class.
var (
	ErrTransientUpstream = errors.New("transient upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrFatalRequest      = errors.New("fatal request failure")

	// ErrNotFound matches any *NotFoundError.
	ErrNotFound = errors.New("no data for key")

	// ErrCancelled is returned for every unsettled request when a coalescer drains.
	ErrCancelled = errors.New("cancelled")
)

// Error is a classified upstream failure.
type Error struct {
	Class      Class
	StatusCode int // 0 when no HTTP response was received
	Message    string
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Class)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's class.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransientUpstream:
		return e.Class == ClassTransientUpstream
	case ErrRateLimited:
		return e.Class == ClassRateLimited
	case ErrFatalRequest:
		return e.Class == ClassFatal
	}
	return false
}

// Transient builds a transient-upstream error.
func Transient(status int, msg string, err error) *Error {
	return &Error{Class: ClassTransientUpstream, StatusCode: status, Message: msg, Err: err}
}

// RateLimited builds a rate-limited error.
func RateLimited(status int, msg string) *Error {
	return &Error{Class: ClassRateLimited, StatusCode: status, Message: msg}
}

// Fatal builds a fatal error.
func Fatal(status int, msg string, err error) *Error {
	return &Error{Class: ClassFatal, StatusCode: status, Message: msg, Err: err}
}

// NotFoundError reports a key absent from an otherwise successful batch response.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no data for key %q", e.Key)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ClassOf returns the classification carried by err. Context errors are fatal;
// unclassified errors are treated as transient, matching how network failures
// are handled.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCancelled) || errors.Is(err, ErrNotFound) {
		return ClassFatal
	}
	return ClassTransientUpstream
}

// Retryable reports whether err should be retried by the client.
func Retryable(err error) bool {
	return ClassOf(err) == ClassTransientUpstream
}
