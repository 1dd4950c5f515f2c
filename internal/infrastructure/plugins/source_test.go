package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func pushArtifact(t *testing.T, store *memory.Store, tag string, layers ...ocispec.Descriptor) {
	t.Helper()
	ctx := context.Background()

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    ocispec.DescriptorEmptyJSON,
		Layers:    layers,
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)

	desc := content.NewDescriptorFromBytes(ocispec.MediaTypeImageManifest, raw)
	require.NoError(t, store.Push(ctx, desc, bytes.NewReader(raw)))
	require.NoError(t, store.Tag(ctx, desc, tag))
}

func pushBlob(t *testing.T, store *memory.Store, mediaType string, data []byte) ocispec.Descriptor {
	t.Helper()
	desc := content.NewDescriptorFromBytes(mediaType, data)
	require.NoError(t, store.Push(context.Background(), desc, bytes.NewReader(data)))
	return desc
}

func TestFetchWasm(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	readme := pushBlob(t, store, "text/markdown", []byte("# guest"))
	wasm := pushBlob(t, store, MediaTypeWasmLayer, wasmMagic)
	pushArtifact(t, store, "v1", readme, wasm)
	pushArtifact(t, store, "docs-only", readme)

	got, err := FetchWasm(ctx, store, "v1")
	require.NoError(t, err)
	assert.Equal(t, wasmMagic, got)

	_, err = FetchWasm(ctx, store, "docs-only")
	assert.ErrorContains(t, err, "no wasm layer")

	_, err = FetchWasm(ctx, store, "missing")
	assert.ErrorContains(t, err, "failed to resolve")
}

func TestSource_FetchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guest.wasm")
	require.NoError(t, os.WriteFile(path, wasmMagic, 0o600))

	src := NewSource(RegistryAuth{})
	got, err := src.Fetch(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, wasmMagic, got)

	_, err = src.Fetch(context.Background(), filepath.Join(t.TempDir(), "missing.wasm"))
	assert.ErrorContains(t, err, "failed to read guest module")

	_, err = src.Fetch(context.Background(), "")
	assert.Error(t, err)
}

func TestSource_InvalidReference(t *testing.T) {
	_, err := NewSource(RegistryAuth{}).Fetch(context.Background(), "oci://")
	assert.ErrorContains(t, err, "invalid module reference")
}

func TestName(t *testing.T) {
	tests := map[string]string{
		"./build/guest.wasm":                       "guest",
		"/opt/modules/api.wasm":                    "api",
		"oci://ghcr.io/acme/guest:1.0":             "ghcr.io/acme/guest",
		"oci://localhost:5000/guest":               "localhost:5000/guest",
		"oci://ghcr.io/acme/guest@sha256:deadbeef": "ghcr.io/acme/guest",
	}
	for ref, want := range tests {
		assert.Equal(t, want, Name(ref), ref)
	}
}
