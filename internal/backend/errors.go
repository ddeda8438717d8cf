package backend

import (
	"errors"
	"fmt"
)

// ErrorKind classifies backend failures for the worker's retry decision.
type ErrorKind int

const (
	// KindTransient covers connection resets, timeouts and 5xx answers.
	// Retried with backoff.
	KindTransient ErrorKind = iota
	// KindAuth covers bad or expired credentials. Retried like transient
	// failures but kept distinct so last_error names the real problem:
	// backoff alone never fixes it, only fresh credentials do.
	KindAuth
	// KindRejected means the backend explicitly refused the document.
	// Terminal; never retried.
	KindRejected
	// KindSerialization means the request could not even be built
	// (malformed document, envelope construction failure). Terminal; a
	// defect, not a network condition.
	KindSerialization
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "authentication"
	case KindRejected:
		return "rejected"
	case KindSerialization:
		return "serialization"
	}
	return "unknown"
}

// Error is the single error type crossing the backend boundary. Code holds
// the backend's own fault or status code when one exists.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func Transient(message string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: message, Cause: cause}
}

func AuthFailure(message string, cause error) *Error {
	return &Error{Kind: KindAuth, Message: message, Cause: cause}
}

func Rejected(code, message string) *Error {
	return &Error{Kind: KindRejected, Code: code, Message: message}
}

func SerializationFailure(message string, cause error) *Error {
	return &Error{Kind: KindSerialization, Message: message, Cause: cause}
}

// KindOf extracts the kind from err, defaulting to transient: an
// unclassified failure must stay retryable rather than killing a job.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// Retryable reports whether the worker should schedule another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRejected, KindSerialization:
		return false
	}
	return true
}
