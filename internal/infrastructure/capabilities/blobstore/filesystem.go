package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/wireformat"
)

const tempPrefix = ".blob-"

// FilesystemContainer stores objects as files in one directory per
// container below config "path".
type FilesystemContainer struct {
	dir  string
	name string
}

// NewFilesystemContainer creates the container directory if missing. The
// directory name is config "container", defaulting to the declared name.
func NewFilesystemContainer(_ context.Context, cfg *capabilities.InstanceConfig) (Container, error) {
	root, err := cfg.Require("path")
	if err != nil {
		return nil, err
	}
	name := cfg.Get("container", cfg.Name)

	dir, err := securejoin.SecureJoin(cfg.ResolvePath(root), name)
	if err != nil {
		return nil, fmt.Errorf("invalid container name %q: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create container directory %s: %w", dir, err)
	}
	return &FilesystemContainer{dir: dir, name: name}, nil
}

func (c *FilesystemContainer) path(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	p, err := securejoin.SecureJoin(c.dir, name)
	if err != nil {
		return "", capabilities.Wrap(capabilities.KindAccessDenied, err, "invalid object name %q", name)
	}
	if p == c.dir {
		return "", capabilities.NewError(capabilities.KindUnexpected, "invalid object name %q", name)
	}
	return p, nil
}

// Info implements Container.
func (c *FilesystemContainer) Info(context.Context) (wireformat.ContainerInfoWire, error) {
	st, err := os.Stat(c.dir)
	if err != nil {
		return wireformat.ContainerInfoWire{}, capabilities.ErrorFrom(err)
	}
	return wireformat.ContainerInfoWire{Name: c.name, CreatedAt: st.ModTime().UTC()}, nil
}

// List implements Container.
func (c *FilesystemContainer) List(context.Context) ([]string, error) {
	names := []string{}
	err := filepath.WalkDir(c.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(c.dir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "list objects")
	}
	sort.Strings(names)
	return names, nil
}

// Has implements Container.
func (c *FilesystemContainer) Has(_ context.Context, name string) (bool, error) {
	p, err := c.path(name)
	if err != nil {
		return false, err
	}
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, capabilities.Wrap(capabilities.KindIO, err, "stat object %q", name)
	}
	return st.Mode().IsRegular(), nil
}

// ObjectInfo implements Container.
func (c *FilesystemContainer) ObjectInfo(_ context.Context, name string) (wireformat.ObjectInfoWire, error) {
	p, err := c.path(name)
	if err != nil {
		return wireformat.ObjectInfoWire{}, err
	}
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return wireformat.ObjectInfoWire{}, capabilities.NotFound("object %q not found", name)
	}
	if err != nil {
		return wireformat.ObjectInfoWire{}, capabilities.Wrap(capabilities.KindIO, err, "stat object %q", name)
	}
	return wireformat.ObjectInfoWire{
		Name:      name,
		Container: c.name,
		Size:      uint64(st.Size()), //nolint:gosec // G115: file sizes are non-negative
		CreatedAt: st.ModTime().UTC(),
	}, nil
}

// Delete implements Container.
func (c *FilesystemContainer) Delete(_ context.Context, name string) error {
	p, err := c.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return capabilities.Wrap(capabilities.KindIO, err, "delete object %q", name)
	}
	return nil
}

// Reader implements Container.
func (c *FilesystemContainer) Reader(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := c.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) //nolint:gosec // G304: path confined to container by securejoin
	if errors.Is(err, fs.ErrNotExist) {
		return nil, capabilities.NotFound("object %q not found", name)
	}
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "open object %q", name)
	}
	return f, nil
}

// Write implements Container.
func (c *FilesystemContainer) Write(_ context.Context, name string, data []byte) error {
	p, err := c.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write object %q", name)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), tempPrefix+"*")
	if err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write object %q", name)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return capabilities.Wrap(capabilities.KindIO, err, "write object %q", name)
	}
	if err := tmp.Close(); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write object %q", name)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write object %q", name)
	}
	return nil
}

// Clear implements Container.
func (c *FilesystemContainer) Clear(context.Context) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "clear container")
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return capabilities.Wrap(capabilities.KindIO, err, "clear container")
		}
	}
	return nil
}
