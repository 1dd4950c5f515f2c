package ports

import "errors"

// ErrSecretNotFound is returned by a SecretResolver when no source defines
// the requested secret.
var ErrSecretNotFound = errors.New("secret not found")

// ErrUnknownSecretStore is returned when a declaration names a secret store
// the host does not configure.
var ErrUnknownSecretStore = errors.New("unknown secret store")

// SensitiveValueProvider tracks and provides all sensitive values for protection.
// This is a PORT - the application defines what it needs, infrastructure provides it.
type SensitiveValueProvider interface {
	// Track registers a sensitive value to be protected (redacted).
	Track(value string)

	// AllValues returns all tracked sensitive values, longest first.
	AllValues() []string
}

// SecretResolver resolves named secrets for capability configuration.
// Implementations automatically track resolved values for redaction.
type SecretResolver interface {
	// Resolve returns secret name from store. The empty store is the
	// host's default store.
	Resolve(store, name string) (string, error)
}
