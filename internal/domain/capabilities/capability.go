// Package capabilities defines domain types for capability declarations,
// resolved instance configuration and the error union returned to guests.
package capabilities

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Wildcard is the reserved declaration name that matches any instance name
// the guest asks for. When present it must be the only declaration of its type.
const Wildcard = "*"

// Type identifies a category of external resource a guest may open.
type Type string

// Capability types known to the host.
const (
	TypeKeyValue   Type = "keyvalue"
	TypeMessaging  Type = "messaging"
	TypeBlobStore  Type = "blobstore"
	TypeLock       Type = "lock"
	TypeSQL        Type = "sql"
	TypeHTTPServer Type = "http-server"
	TypeConfigs    Type = "configs"
)

// AllTypes lists every capability type in link order.
var AllTypes = []Type{
	TypeKeyValue,
	TypeMessaging,
	TypeBlobStore,
	TypeLock,
	TypeSQL,
	TypeHTTPServer,
	TypeConfigs,
}

// ParseType validates a capability type string.
func ParseType(s string) (Type, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown capability type %q", s)
}

// String returns the type name.
func (t Type) String() string {
	return string(t)
}

// Declaration is one capability entry from the host manifest.
// Resource is written "<type>.<backend>", e.g. "keyvalue.filesystem".
type Declaration struct {
	Config      map[string]string
	Resource    string
	Name        string
	SecretStore string
}

// Split returns the capability type and backend discriminator of the
// declaration. A resource without a backend part ("http-server") yields
// an empty discriminator.
func (d Declaration) Split() (Type, string, error) {
	kind, backend, _ := strings.Cut(d.Resource, ".")
	t, err := ParseType(kind)
	if err != nil {
		return "", "", err
	}
	return t, backend, nil
}

// IsWildcard reports whether this declaration matches every name.
func (d Declaration) IsWildcard() bool {
	return d.Name == Wildcard
}

// String returns a human-readable representation of the declaration.
func (d Declaration) String() string {
	return d.Resource + ":" + d.Name
}

// InstanceConfig is the resolved, per-name configuration handed to a backend
// constructor. It is owned by the capability store and read-only once built.
type InstanceConfig struct {
	Config       map[string]string
	SecretStore  string
	Backend      string
	Name         string
	ManifestPath string
	Type         Type
}

// Get returns a config value or the fallback when unset.
func (c *InstanceConfig) Get(key, fallback string) string {
	if v, ok := c.Config[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Require returns a config value or an error naming the missing key.
func (c *InstanceConfig) Require(key string) (string, error) {
	v, ok := c.Config[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%s %q: missing required config %q", c.Type, c.Name, key)
	}
	return v, nil
}

// Int returns an integer config value, or fallback when unset.
func (c *InstanceConfig) Int(key string, fallback int) (int, error) {
	v, ok := c.Config[key]
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q: config %q: %w", c.Type, c.Name, key, err)
	}
	return n, nil
}

// Duration returns a duration config value ("5s", "250ms"), or fallback when unset.
func (c *InstanceConfig) Duration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := c.Config[key]
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q: config %q: %w", c.Type, c.Name, key, err)
	}
	return d, nil
}

// ResolvePath makes a relative path relative to the manifest directory.
func (c *InstanceConfig) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.ManifestPath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.ManifestPath), p)
}

// WithName returns a copy of the config bound to a concrete instance name.
// Used when a wildcard declaration serves a specific requested name.
func (c *InstanceConfig) WithName(name string) *InstanceConfig {
	cp := *c
	cp.Name = name
	cp.Config = make(map[string]string, len(c.Config))
	for k, v := range c.Config {
		cp.Config[k] = v
	}
	return &cp
}
