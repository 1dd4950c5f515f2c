package keyvalue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

// FilesystemStore keeps one file per key below a root directory.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a store rooted at config "path", created if missing.
func NewFilesystemStore(_ context.Context, cfg *capabilities.InstanceConfig) (Store, error) {
	path, err := cfg.Require("path")
	if err != nil {
		return nil, err
	}
	root := cfg.ResolvePath(path)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create key-value directory %s: %w", root, err)
	}
	return &FilesystemStore{root: root}, nil
}

// path maps a key into the root. Keys cannot escape the root through ".."
// or symlinks.
func (s *FilesystemStore) path(key string) (string, error) {
	if key == "" {
		return "", capabilities.NewError(capabilities.KindUnexpected, "empty key")
	}
	p, err := securejoin.SecureJoin(s.root, key)
	if err != nil {
		return "", capabilities.Wrap(capabilities.KindAccessDenied, err, "invalid key %q", key)
	}
	if p == s.root {
		return "", capabilities.NewError(capabilities.KindUnexpected, "invalid key %q", key)
	}
	return p, nil
}

// Get implements Store.
func (s *FilesystemStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p) //nolint:gosec // G304: path confined to root by securejoin
	if errors.Is(err, fs.ErrNotExist) {
		return nil, capabilities.NotFound("key %q not found", key)
	}
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "read key %q", key)
	}
	return data, nil
}

// Set implements Store.
func (s *FilesystemStore) Set(_ context.Context, key string, value []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write key %q", key)
	}

	// Write through a temp file so readers never see a partial value.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".kv-*")
	if err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write key %q", key)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return capabilities.Wrap(capabilities.KindIO, err, "write key %q", key)
	}
	if err := tmp.Close(); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write key %q", key)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write key %q", key)
	}
	return nil
}

// Delete implements Store.
func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return capabilities.Wrap(capabilities.KindIO, err, "delete key %q", key)
	}
	return nil
}

// Exists implements Store.
func (s *FilesystemStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, capabilities.Wrap(capabilities.KindIO, err, "stat key %q", key)
	}
	return info.Mode().IsRegular(), nil
}

// Keys implements Store. Nested keys are returned with forward slashes.
func (s *FilesystemStore) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".kv-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "list keys")
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch implements Store.
func (s *FilesystemStore) Watch(context.Context, string) (Watch, error) {
	return nil, capabilities.Unsupported(BackendFilesystem, "watch")
}
