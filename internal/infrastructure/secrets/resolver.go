// Package secrets resolves the sensitive values capability declarations
// reference, from the named secret stores of the host configuration.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/reglet-dev/caphost/internal/application/ports"
	"github.com/reglet-dev/caphost/internal/infrastructure/sensitivedata"
	"github.com/reglet-dev/caphost/internal/infrastructure/system"
)

// DefaultStore names the store built from the top-level secret sources.
const DefaultStore = ""

type cacheKey struct {
	store string
	name  string
}

// Resolver implements ports.SecretResolver. Every value it hands out is
// tracked for redaction and kept as a SecureString until Close.
type Resolver struct {
	stores   map[string]system.SecretSources
	provider ports.SensitiveValueProvider
	cache    map[cacheKey]*sensitivedata.SecureString
	mu       sync.Mutex
}

// NewResolver creates a resolver over config. A nil config configures no
// store at all.
func NewResolver(config *system.SecretsConfig, provider ports.SensitiveValueProvider) *Resolver {
	stores := make(map[string]system.SecretSources)
	if config != nil {
		stores[DefaultStore] = config.SecretSources
		for name, sources := range config.Stores {
			stores[name] = sources
		}
	}
	return &Resolver{
		stores:   stores,
		provider: provider,
		cache:    make(map[cacheKey]*sensitivedata.SecureString),
	}
}

// Resolve returns secret name from store.
func (r *Resolver) Resolve(store, name string) (string, error) {
	key := cacheKey{store: store, name: name}

	r.mu.Lock()
	defer r.mu.Unlock()

	if value, ok := r.cache[key]; ok {
		return value.String(), nil
	}

	sources, ok := r.stores[store]
	if !ok {
		return "", fmt.Errorf("secret %q: store %q is not configured: %w", name, store, ports.ErrUnknownSecretStore)
	}

	value, err := lookup(sources, name)
	if err != nil {
		return "", err
	}

	r.cache[key] = sensitivedata.NewSecureString(value)
	if r.provider != nil {
		r.provider.Track(value)
	}
	return value, nil
}

// Stores returns the number of configured stores.
func (r *Resolver) Stores() int {
	return len(r.stores)
}

// Close zeroes every cached secret.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, value := range r.cache {
		value.Zero()
		delete(r.cache, key)
	}
}

func lookup(sources system.SecretSources, name string) (string, error) {
	if value, ok := sources.Local[name]; ok {
		return value, nil
	}

	if envVar, ok := sources.Env[name]; ok {
		value, set := os.LookupEnv(envVar)
		if !set || value == "" {
			return "", fmt.Errorf("secret %q: env var %q is not set: %w", name, envVar, ports.ErrSecretNotFound)
		}
		return value, nil
	}

	if path, ok := sources.Files[name]; ok {
		return readFile(name, path)
	}

	return "", fmt.Errorf("secret %q: %w", name, ports.ErrSecretNotFound)
}

// readFile reads a secret file through an os.Root so the configured path
// cannot be redirected out of its directory.
func readFile(name, path string) (string, error) {
	root, err := os.OpenRoot(filepath.Dir(path))
	if err != nil {
		return "", fmt.Errorf("secret %q: failed to open directory of %q: %w", name, path, err)
	}
	defer func() { _ = root.Close() }()

	data, err := root.ReadFile(filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("secret %q: failed to read %q: %w", name, path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
