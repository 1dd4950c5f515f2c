package wasmtest

import (
	"errors"
	"testing"

	apperrors "github.com/reglet-dev/caphost/internal/application/errors"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertFault runs fn and asserts it panics with a boundary fault.
func AssertFault(t testing.TB, fn func()) {
	t.Helper()
	err := recoverError(t, fn)
	var fault *resource.Fault
	assert.True(t, errors.As(err, &fault), "panic %v is not a fault", err)
}

// AssertConfigurationTrap runs fn and asserts it panics with a
// configuration error.
func AssertConfigurationTrap(t testing.TB, fn func()) {
	t.Helper()
	err := recoverError(t, fn)
	assert.True(t, apperrors.IsConfigurationError(err), "panic %v is not a configuration error", err)
}

func recoverError(t testing.TB, fn func()) (err error) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a trap")
		var ok bool
		err, ok = r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
	}()
	fn()
	return nil
}
