package sensitivedata

import (
	"strings"

	"github.com/reglet-dev/caphost/internal/application/ports"
)

// redactedError replaces the message of an error that mentions a tracked
// secret while keeping the chain for errors.Is and errors.As.
type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

// SafeError returns err with every value tracked by provider replaced by
// [REDACTED]. Errors that mention no secret are returned as is.
func SafeError(err error, provider ports.SensitiveValueProvider) error {
	if err == nil || provider == nil {
		return err
	}

	msg := err.Error()
	for _, secret := range provider.AllValues() {
		msg = strings.ReplaceAll(msg, secret, redacted)
	}
	if msg == err.Error() {
		return err
	}
	return &redactedError{msg: msg, cause: err}
}
