// Package plugins fetches guest module binaries from the local filesystem
// or from an OCI registry.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// OCIScheme prefixes module references pulled from a registry.
const OCIScheme = "oci://"

// Layer media types accepted as the guest binary.
const (
	MediaTypeWasm      = "application/wasm"
	MediaTypeWasmLayer = "application/vnd.wasm.content.layer.v1+wasm"
)

// RegistryAuth holds registry credentials. Empty fields mean anonymous.
type RegistryAuth struct {
	Username  string
	Password  string
	PlainHTTP bool
}

// Source resolves module references to wasm bytes.
type Source struct {
	auth RegistryAuth
}

// NewSource creates a module source.
func NewSource(auth RegistryAuth) *Source {
	return &Source{auth: auth}
}

// Fetch returns the module bytes for ref, a file path or an
// oci://registry/repository:tag reference.
func (s *Source) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("no guest module given")
	}
	if rest, ok := strings.CutPrefix(ref, OCIScheme); ok {
		return s.pull(ctx, rest)
	}
	return readFile(ref)
}

// Name returns a display name for ref: the repository for OCI references
// and the file name without extension for paths.
func Name(ref string) string {
	if rest, ok := strings.CutPrefix(ref, OCIScheme); ok {
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			rest = rest[:at]
		}
		if colon := strings.LastIndex(rest, ":"); colon > strings.LastIndex(rest, "/") {
			rest = rest[:colon]
		}
		return rest
	}
	return strings.TrimSuffix(filepath.Base(ref), filepath.Ext(ref))
}

func readFile(path string) ([]byte, error) {
	root, err := os.OpenRoot(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open module directory: %w", err)
	}
	defer func() { _ = root.Close() }()

	data, err := root.ReadFile(filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read guest module: %w", err)
	}
	return data, nil
}

func (s *Source) pull(ctx context.Context, ref string) ([]byte, error) {
	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid module reference %q: %w", ref, err)
	}
	repo.PlainHTTP = s.auth.PlainHTTP

	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	if s.auth.Username != "" || s.auth.Password != "" {
		client.Credential = auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			Username: s.auth.Username,
			Password: s.auth.Password,
		})
	}
	repo.Client = client

	tag := repo.Reference.Reference
	if tag == "" {
		tag = "latest"
	}

	slog.Debug("pulling guest module", "reference", ref)
	return FetchWasm(ctx, repo, tag)
}

// FetchWasm resolves reference in target, reads its image manifest and
// returns the first wasm layer.
func FetchWasm(ctx context.Context, target oras.ReadOnlyTarget, reference string) ([]byte, error) {
	desc, err := target.Resolve(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", reference, err)
	}
	if desc.MediaType != ocispec.MediaTypeImageManifest {
		return nil, fmt.Errorf("%s: unsupported manifest media type %q", reference, desc.MediaType)
	}

	raw, err := content.FetchAll(ctx, target, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest of %s: %w", reference, err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest of %s: %w", reference, err)
	}

	for _, layer := range manifest.Layers {
		if layer.MediaType != MediaTypeWasm && layer.MediaType != MediaTypeWasmLayer {
			continue
		}
		data, err := content.FetchAll(ctx, target, layer)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch wasm layer %s: %w", layer.Digest, err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("%s has no wasm layer", reference)
}
