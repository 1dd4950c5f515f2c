// Package blobstore implements the blob store capability: named containers
// of opaque objects on the local filesystem, in memory or in S3.
package blobstore

import (
	"context"
	"io"

	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/wireformat"
)

// Container is the operation set of one blob container backend. The
// container is the declared capability name.
type Container interface {
	Info(ctx context.Context) (wireformat.ContainerInfoWire, error)
	List(ctx context.Context) ([]string, error)
	Has(ctx context.Context, name string) (bool, error)
	ObjectInfo(ctx context.Context, name string) (wireformat.ObjectInfoWire, error)
	Delete(ctx context.Context, name string) error
	// Reader opens an object for sequential reading.
	Reader(ctx context.Context, name string) (io.ReadCloser, error)
	// Write replaces the object atomically.
	Write(ctx context.Context, name string, data []byte) error
	// Clear deletes every object in the container.
	Clear(ctx context.Context) error
}

// Backend discriminators.
const (
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
	BackendS3         = "s3"
)

// Factories returns the constructor of every blob store backend.
func Factories() map[string]services.Factory[Container] {
	return map[string]services.Factory[Container]{
		BackendFilesystem: NewFilesystemContainer,
		BackendMemory:     NewMemoryContainer,
		BackendS3:         NewS3Container,
	}
}

func checkName(name string) error {
	if name == "" {
		return capabilities.NewError(capabilities.KindUnexpected, "empty object name")
	}
	return nil
}

// ReadAll reads a whole object through its Reader.
func ReadAll(ctx context.Context, c Container, name string) ([]byte, error) {
	r, err := c.Reader(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "read object %q", name)
	}
	return data, nil
}
