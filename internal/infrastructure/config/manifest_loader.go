// Package config loads the host manifest: the capability declarations a
// guest module may open, validated against an embedded JSON Schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/goccy/go-yaml"
	apperrors "github.com/reglet-dev/caphost/internal/application/errors"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SupportedSpecVersions is the manifest specversion range this host reads.
const SupportedSpecVersions = "^0.2"

//go:embed schema/manifest.schema.json
var manifestSchema []byte

// Manifest is the parsed host manifest.
type Manifest struct {
	SpecVersion  string               `yaml:"specversion"`
	Module       string               `yaml:"module"`
	SecretStore  string               `yaml:"secret_store"`
	Capabilities []CapabilityManifest `yaml:"capabilities"`

	// Path is the file the manifest was read from; relative paths in
	// capability configs resolve against its directory.
	Path string `yaml:"-"`
}

// CapabilityManifest is one entry of the capabilities list.
type CapabilityManifest struct {
	Configs     map[string]any `yaml:"configs"`
	Resource    string         `yaml:"resource"`
	Name        string         `yaml:"name"`
	SecretStore string         `yaml:"secret_store"`
}

// Declarations converts the manifest entries into capability declarations.
// Config values are stringified; an entry without its own secret store
// inherits the manifest's.
func (m *Manifest) Declarations() []capabilities.Declaration {
	decls := make([]capabilities.Declaration, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		cfg := make(map[string]string, len(c.Configs))
		for k, v := range c.Configs {
			if v == nil {
				cfg[k] = ""
				continue
			}
			cfg[k] = fmt.Sprint(v)
		}
		store := c.SecretStore
		if store == "" {
			store = m.SecretStore
		}
		decls = append(decls, capabilities.Declaration{
			Resource:    c.Resource,
			Name:        c.Name,
			Config:      cfg,
			SecretStore: store,
		})
	}
	return decls
}

// ModulePath returns the guest module reference. Local paths are made
// relative to the manifest directory; oci:// references are returned as is.
func (m *Manifest) ModulePath() string {
	if m.Module == "" || strings.Contains(m.Module, "://") || filepath.IsAbs(m.Module) || m.Path == "" {
		return m.Module
	}
	return filepath.Join(filepath.Dir(m.Path), m.Module)
}

// ManifestLoader reads and validates manifests.
type ManifestLoader struct {
	schema     *jsonschema.Schema
	constraint *semver.Constraints
}

// NewManifestLoader compiles the embedded schema.
func NewManifestLoader() (*ManifestLoader, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("manifest.schema.json", bytes.NewReader(manifestSchema)); err != nil {
		return nil, fmt.Errorf("failed to add manifest schema: %w", err)
	}
	schema, err := compiler.Compile("manifest.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}

	constraint, err := semver.NewConstraint(SupportedSpecVersions)
	if err != nil {
		return nil, fmt.Errorf("invalid specversion constraint: %w", err)
	}

	return &ManifestLoader{schema: schema, constraint: constraint}, nil
}

// Load reads the manifest at path.
func (l *ManifestLoader) Load(path string) (*Manifest, error) {
	dir := filepath.Dir(path)
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest directory: %w", err)
	}
	defer func() { _ = root.Close() }()

	f, err := root.Open(filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	m, err := l.LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		m.Path = abs
	} else {
		m.Path = path
	}
	return m, nil
}

// LoadFromReader parses and validates a manifest.
func (l *ManifestLoader) LoadFromReader(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	if err := l.validateSchema(data); err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest YAML: %w", err)
	}

	version, err := semver.NewVersion(m.SpecVersion)
	if err != nil {
		return nil, apperrors.NewValidationError("specversion", fmt.Sprintf("%q is not a version", m.SpecVersion))
	}
	if !l.constraint.Check(version) {
		return nil, apperrors.NewValidationError("specversion",
			fmt.Sprintf("%s is not supported (want %s)", m.SpecVersion, SupportedSpecVersions))
	}

	return &m, nil
}

func (l *ManifestLoader) validateSchema(data []byte) error {
	asJSON, err := yaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("failed to decode manifest YAML: %w", err)
	}

	var doc any
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return fmt.Errorf("failed to decode manifest: %w", err)
	}

	if err := l.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return apperrors.NewValidationError("manifest", "does not match schema", schemaMessages(verr)...)
		}
		return fmt.Errorf("manifest validation failed: %w", err)
	}
	return nil
}

// schemaMessages flattens a validation error tree into "location: message"
// lines.
func schemaMessages(err *jsonschema.ValidationError) []string {
	var messages []string
	var collect func(*jsonschema.ValidationError)
	collect = func(e *jsonschema.ValidationError) {
		if e.Message != "" && len(e.Causes) == 0 {
			location := e.InstanceLocation
			if location == "" {
				location = "(root)"
			}
			messages = append(messages, fmt.Sprintf("%s: %s", location, e.Message))
		}
		for _, cause := range e.Causes {
			collect(cause)
		}
	}
	collect(err)
	sort.Strings(messages)
	return messages
}
