// Package configs implements the configuration capability: named lookups
// against environment variables, the declaration itself or host secrets.
package configs

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/reglet-dev/caphost/internal/application/ports"
	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

// Source is the operation set of one configuration backend.
type Source interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Backend discriminators.
const (
	BackendEnvVars = "envvars"
	BackendLocal   = "local"
	BackendSecrets = "secrets"
)

// Factories returns the constructor of every configuration backend. The
// secrets backend reads through resolver.
func Factories(resolver ports.SecretResolver) map[string]services.Factory[Source] {
	return map[string]services.Factory[Source]{
		BackendEnvVars: NewEnvSource,
		BackendLocal:   NewLocalSource,
		BackendSecrets: func(_ context.Context, cfg *capabilities.InstanceConfig) (Source, error) {
			if resolver == nil {
				return nil, errors.New("no secret resolver configured")
			}
			return &SecretSource{resolver: resolver, store: cfg.SecretStore}, nil
		},
	}
}

// EnvSource reads process environment variables. Keys are upper-cased and
// prefixed with config "prefix".
type EnvSource struct {
	prefix string
}

// NewEnvSource creates a read-only environment source.
func NewEnvSource(_ context.Context, cfg *capabilities.InstanceConfig) (Source, error) {
	return &EnvSource{prefix: cfg.Get("prefix", "")}, nil
}

func (s *EnvSource) variable(key string) string {
	return s.prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

// Get implements Source.
func (s *EnvSource) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(s.variable(key))
	if !ok {
		return "", capabilities.NotFound("config %q not found", key)
	}
	return v, nil
}

// Set implements Source.
func (s *EnvSource) Set(context.Context, string, string) error {
	return capabilities.Unsupported(BackendEnvVars, "set")
}

// LocalSource serves the declaration's own config map. Writes stay in
// memory for the life of the host.
type LocalSource struct {
	values map[string]string
	mu     sync.RWMutex
}

// NewLocalSource creates a source over a copy of the declared config.
func NewLocalSource(_ context.Context, cfg *capabilities.InstanceConfig) (Source, error) {
	values := make(map[string]string, len(cfg.Config))
	for k, v := range cfg.Config {
		values[k] = v
	}
	return &LocalSource{values: values}, nil
}

// Get implements Source.
func (s *LocalSource) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", capabilities.NotFound("config %q not found", key)
	}
	return v, nil
}

// Set implements Source.
func (s *LocalSource) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// SecretSource reads host secrets from the declaration's secret store.
// Resolved values are tracked for redaction by the resolver.
type SecretSource struct {
	resolver ports.SecretResolver
	store    string
}

// Get implements Source.
func (s *SecretSource) Get(_ context.Context, key string) (string, error) {
	v, err := s.resolver.Resolve(s.store, key)
	if errors.Is(err, ports.ErrSecretNotFound) {
		return "", capabilities.NotFound("secret %q not found", key)
	}
	if err != nil {
		return "", capabilities.Wrap(capabilities.KindAccessDenied, err, "resolve secret %q", key)
	}
	return v, nil
}

// Set implements Source.
func (s *SecretSource) Set(context.Context, string, string) error {
	return capabilities.Unsupported(BackendSecrets, "set")
}
