package capabilities

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrorKind is the coarse error category that crosses the guest boundary.
// The numeric values are part of the ABI and must not be reordered.
type ErrorKind uint8

// Error kinds surfaced to guests.
const (
	KindNotFound ErrorKind = iota
	KindIO
	KindUnexpected
	KindDescriptor
	KindUnsupported
	KindAccessDenied
	KindTimeout
)

// String returns the wire name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindIO:
		return "io-error"
	case KindUnexpected:
		return "unexpected"
	case KindDescriptor:
		return "descriptor-error"
	case KindUnsupported:
		return "unsupported"
	case KindAccessDenied:
		return "access-denied"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a recoverable backend or domain failure returned to the guest.
type Error struct {
	Cause   error
	Message string
	Kind    ErrorKind
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Description is the human-readable text sent across the boundary. The
// host paths carried by filesystem errors are left out of it.
func (e *Error) Description() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return e.Message + ": " + guestCause(e.Cause)
	case e.Message != "":
		return e.Message
	case e.Cause != nil:
		return guestCause(e.Cause)
	default:
		return e.Kind.String()
	}
}

func guestCause(err error) string {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Op + ": " + pathErr.Err.Error()
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Op + ": " + linkErr.Err.Error()
	}
	return err.Error()
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing key, object or value.
func NotFound(format string, args ...any) *Error {
	return NewError(KindNotFound, format, args...)
}

// Unsupported reports an operation the configured backend cannot perform.
func Unsupported(backend, op string) *Error {
	return NewError(KindUnsupported, "%s backend does not support %s", backend, op)
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// ErrorFrom classifies an arbitrary error into the guest-visible union.
// Errors already of type *Error pass through unchanged.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}

	var capErr *Error
	if errors.As(err, &capErr) {
		return capErr
	}

	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: KindNotFound, Cause: err}
	case errors.Is(err, os.ErrPermission):
		return &Error{Kind: KindAccessDenied, Cause: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return &Error{Kind: KindTimeout, Cause: err}
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return &Error{Kind: KindIO, Cause: err}
	}

	return &Error{Kind: KindUnexpected, Cause: err}
}
