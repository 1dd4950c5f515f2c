package capabilities

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclaration_Split(t *testing.T) {
	tests := []struct {
		name        string
		resource    string
		wantType    Type
		wantBackend string
		wantErr     bool
	}{
		{name: "keyvalue filesystem", resource: "keyvalue.filesystem", wantType: TypeKeyValue, wantBackend: "filesystem"},
		{name: "nested backend", resource: "blobstore.s3", wantType: TypeBlobStore, wantBackend: "s3"},
		{name: "no backend", resource: "http-server", wantType: TypeHTTPServer},
		{name: "unknown type", resource: "queue.sqs", wantErr: true},
		{name: "empty", resource: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, backend, err := Declaration{Resource: tt.resource}.Split()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, typ)
			assert.Equal(t, tt.wantBackend, backend)
		})
	}
}

func TestInstanceConfig_WithName(t *testing.T) {
	base := &InstanceConfig{Name: Wildcard, Backend: "memory", Config: map[string]string{"a": "1"}}
	named := base.WithName("orders")

	assert.Equal(t, "orders", named.Name)
	assert.Equal(t, Wildcard, base.Name)

	named.Config["a"] = "2"
	assert.Equal(t, "1", base.Config["a"], "copy must not alias the wildcard config")
}

func TestInstanceConfig_Require(t *testing.T) {
	cfg := &InstanceConfig{Type: TypeSQL, Name: "db", Config: map[string]string{"dsn": "x", "empty": ""}}

	v, err := cfg.Require("dsn")
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	_, err = cfg.Require("empty")
	assert.ErrorContains(t, err, `missing required config "empty"`)

	assert.Equal(t, "fallback", cfg.Get("missing", "fallback"))
}

func TestErrorFrom(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "not exist", err: fmt.Errorf("read: %w", os.ErrNotExist), want: KindNotFound},
		{name: "permission", err: os.ErrPermission, want: KindAccessDenied},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "path error", err: &fs.PathError{Op: "write", Path: "/x", Err: errors.New("disk full")}, want: KindIO},
		{name: "other", err: errors.New("boom"), want: KindUnexpected},
		{name: "passthrough", err: Unsupported("memory", "keys"), want: KindUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorFrom(tt.err).Kind)
		})
	}

	assert.Nil(t, ErrorFrom(nil))
}

func TestError_Description(t *testing.T) {
	assert.Equal(t, "key \"a\" not found", NotFound("key %q not found", "a").Description())
	assert.Equal(t, "open: boom", Wrap(KindIO, errors.New("boom"), "open").Description())
	assert.Equal(t, "boom", (&Error{Kind: KindIO, Cause: errors.New("boom")}).Description())
	assert.Equal(t, "unsupported", (&Error{Kind: KindUnsupported}).Description())
}

func TestError_DescriptionHidesHostPaths(t *testing.T) {
	pathErr := &fs.PathError{Op: "open", Path: "/srv/data/kv/x", Err: fs.ErrPermission}

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{name: "wrapped", err: Wrap(KindAccessDenied, pathErr, "read key %q", "x"), want: `read key "x": open: permission denied`},
		{name: "classified", err: ErrorFrom(fmt.Errorf("write /srv/data/kv/x.tmp: %w", pathErr)), want: "open: permission denied"},
		{name: "link", err: ErrorFrom(&os.LinkError{Op: "rename", Old: "/srv/a", New: "/srv/b", Err: fs.ErrExist}), want: "rename: file already exists"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := tt.err.Description()
			assert.Equal(t, tt.want, desc)
			assert.NotContains(t, desc, "/srv")
			assert.Contains(t, tt.err.Error(), "/srv", "the host-side error keeps the path")
		})
	}
}

func TestInstanceConfig_ResolvePath(t *testing.T) {
	cfg := &InstanceConfig{ManifestPath: "/srv/app/caphost.yaml"}

	assert.Equal(t, "/srv/app/data", cfg.ResolvePath("data"))
	assert.Equal(t, "/var/lib/kv", cfg.ResolvePath("/var/lib/kv"))
	assert.Equal(t, "", cfg.ResolvePath(""))

	assert.Equal(t, "data", (&InstanceConfig{}).ResolvePath("data"))
}

func TestInstanceConfig_Typed(t *testing.T) {
	cfg := &InstanceConfig{Type: TypeLock, Name: "l", Config: map[string]string{"ttl": "2s", "n": "3", "bad": "x"}}

	d, err := cfg.Duration("ttl", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, err = cfg.Duration("missing", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	n, err := cfg.Int("n", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = cfg.Int("bad", 0)
	assert.Error(t, err)
}
