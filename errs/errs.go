// Package errs defines the shared error-kind taxonomy used across the TAP
// core packages: one tagged *Error type, carrying a Kind plus structured
// detail, per subsystem.
package errs

import "fmt"

// Kind identifies a class of failure. Callers branch on Kind rather than on
// error string content or concrete type beyond *Error itself.
type Kind string

const (
	// Encoding errors.
	MalformedEncoding Kind = "MalformedEncoding"
	InvalidJSON       Kind = "InvalidJson"

	// Resolution errors.
	MethodUnsupported Kind = "MethodUnsupported"
	NotFound          Kind = "NotFound"
	Malformed         Kind = "Malformed"
	Network           Kind = "Network"

	// Crypto errors.
	SignatureInvalid      Kind = "SignatureInvalid"
	DecryptFailed         Kind = "DecryptFailed"
	NoResolvableRecipients Kind = "NoResolvableRecipients"
	KeyUnavailable        Kind = "KeyUnavailable"

	// Validation errors.
	MissingField    Kind = "MissingField"
	InvalidFormat   Kind = "InvalidFormat"
	PolicyViolation Kind = "PolicyViolation"
	Unauthorized    Kind = "Unauthorized"
	ThreadMismatch  Kind = "ThreadMismatch"

	// State errors.
	IllegalTransition Kind = "IllegalTransition"
	Duplicate         Kind = "Duplicate"

	// Transport errors.
	Transient         Kind = "Transient"
	PermanentRejection Kind = "PermanentRejection"
	Timeout           Kind = "Timeout"

	// Storage errors.
	Conflict  Kind = "Conflict"
	IOFailure Kind = "IoFailure"
)

// Error is the common error shape for all TAP core packages.
type Error struct {
	Kind      Kind
	Field     string // set for MissingField/InvalidFormat/PolicyViolation
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Field, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &Error{Kind: X}) to match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Field creates a validation *Error naming the offending field.
func Field(kind Kind, field, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WrapRetryable creates a retryable *Error of the given kind wrapping cause.
func WrapRetryable(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause, Retryable: true}
}

// OfKind reports whether err (or something it wraps) is a *Error of kind k.
func OfKind(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == k
}
