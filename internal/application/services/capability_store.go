// Package services contains application use cases.
package services

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	apperrors "github.com/reglet-dev/caphost/internal/application/errors"
	"github.com/reglet-dev/caphost/internal/application/ports"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

// Secret pattern: {{ secret "key" }}
var secretPattern = regexp.MustCompile(`\{\{\s*secret\s+"([a-zA-Z0-9_.-]+)"\s*\}\}`)

// CapabilityStore maps declared capability names to their resolved
// configuration. It is built once at startup and read-only afterwards.
type CapabilityStore struct {
	configs      map[capabilities.Type]map[string]*capabilities.InstanceConfig
	manifestPath string
}

// NewCapabilityStore validates the declarations and resolves secret
// references in their config values. Every failure is a configuration error:
// the host must not run guest code against an incomplete manifest.
func NewCapabilityStore(
	decls []capabilities.Declaration,
	manifestPath string,
	secrets ports.SecretResolver,
) (*CapabilityStore, error) {
	store := &CapabilityStore{
		configs:      make(map[capabilities.Type]map[string]*capabilities.InstanceConfig),
		manifestPath: manifestPath,
	}

	for _, decl := range decls {
		typ, backend, err := decl.Split()
		if err != nil {
			return nil, apperrors.NewConfigurationError("capabilities", fmt.Sprintf("declaration %s", decl), err)
		}
		if decl.Name == "" {
			return nil, apperrors.NewConfigurationError("capabilities",
				fmt.Sprintf("declaration of %s has no name", decl.Resource), nil)
		}

		byName, ok := store.configs[typ]
		if !ok {
			byName = make(map[string]*capabilities.InstanceConfig)
			store.configs[typ] = byName
		}

		if _, dup := byName[decl.Name]; dup {
			return nil, apperrors.NewConfigurationError("capabilities",
				fmt.Sprintf("duplicate %s declaration named %q", typ, decl.Name), nil)
		}

		config, err := resolveSecrets(decl, secrets)
		if err != nil {
			return nil, err
		}

		byName[decl.Name] = &capabilities.InstanceConfig{
			Type:         typ,
			Backend:      backend,
			Name:         decl.Name,
			Config:       config,
			SecretStore:  decl.SecretStore,
			ManifestPath: manifestPath,
		}
	}

	for typ, byName := range store.configs {
		if _, ok := byName[capabilities.Wildcard]; ok && len(byName) > 1 {
			return nil, apperrors.NewConfigurationError("capabilities",
				fmt.Sprintf("%s wildcard %q must be the only %s declaration", typ, capabilities.Wildcard, typ), nil)
		}
	}

	slog.Debug("capability store built", "types", len(store.configs), "manifest", manifestPath)
	return store, nil
}

// resolveSecrets substitutes {{ secret "name" }} references in every config value.
func resolveSecrets(decl capabilities.Declaration, secrets ports.SecretResolver) (map[string]string, error) {
	out := make(map[string]string, len(decl.Config))
	for key, value := range decl.Config {
		var lastErr error
		resolved := secretPattern.ReplaceAllStringFunc(value, func(match string) string {
			name := secretPattern.FindStringSubmatch(match)[1]
			if secrets == nil {
				lastErr = fmt.Errorf("secret %q referenced but no secret resolver configured", name)
				return match
			}
			v, err := secrets.Resolve(decl.SecretStore, name)
			if err != nil {
				lastErr = err
				return match
			}
			return v
		})
		if lastErr != nil {
			return nil, apperrors.NewConfigurationError("secrets",
				fmt.Sprintf("%s config %q", decl, key), lastErr)
		}
		out[key] = resolved
	}
	return out, nil
}

// Lookup returns the configuration for name, falling back to the wildcard
// declaration of the same type. The wildcard config is returned bound to
// the requested name.
func (s *CapabilityStore) Lookup(typ capabilities.Type, name string) (*capabilities.InstanceConfig, bool) {
	byName := s.configs[typ]
	if cfg, ok := byName[name]; ok {
		return cfg, true
	}
	if cfg, ok := byName[capabilities.Wildcard]; ok {
		return cfg.WithName(name), true
	}
	return nil, false
}

// Declared returns the sorted declared names of a capability type.
func (s *CapabilityStore) Declared(typ capabilities.Type) []string {
	names := make([]string, 0, len(s.configs[typ]))
	for name := range s.configs[typ] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configs returns every declared config of a capability type, sorted by name.
func (s *CapabilityStore) Configs(typ capabilities.Type) []*capabilities.InstanceConfig {
	names := s.Declared(typ)
	out := make([]*capabilities.InstanceConfig, 0, len(names))
	for _, name := range names {
		out = append(out, s.configs[typ][name])
	}
	return out
}

// ManifestPath returns the path of the manifest the store was built from.
func (s *CapabilityStore) ManifestPath() string {
	return s.manifestPath
}
