package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/wireformat"
)

// MemoryContainer keeps objects in an in-memory datastore.
type MemoryContainer struct {
	ds      ds.Datastore
	created map[string]time.Time
	since   time.Time
	name    string
	mu      sync.Mutex
}

// NewMemoryContainer creates an empty container.
func NewMemoryContainer(_ context.Context, cfg *capabilities.InstanceConfig) (Container, error) {
	return &MemoryContainer{
		ds:      dssync.MutexWrap(ds.NewMapDatastore()),
		created: make(map[string]time.Time),
		since:   time.Now().UTC(),
		name:    cfg.Get("container", cfg.Name),
	}, nil
}

func objectKey(name string) (ds.Key, error) {
	if err := checkName(name); err != nil {
		return ds.Key{}, err
	}
	return ds.NewKey(name), nil
}

func objectName(key string) string {
	return strings.TrimPrefix(key, "/")
}

// Info implements Container.
func (c *MemoryContainer) Info(context.Context) (wireformat.ContainerInfoWire, error) {
	return wireformat.ContainerInfoWire{Name: c.name, CreatedAt: c.since}, nil
}

// List implements Container.
func (c *MemoryContainer) List(ctx context.Context) ([]string, error) {
	res, err := c.ds.Query(ctx, query.Query{KeysOnly: true, Orders: []query.Order{query.OrderByKey{}}})
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "list objects")
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "list objects")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, objectName(e.Key))
	}
	return names, nil
}

// Has implements Container.
func (c *MemoryContainer) Has(ctx context.Context, name string) (bool, error) {
	key, err := objectKey(name)
	if err != nil {
		return false, err
	}
	ok, err := c.ds.Has(ctx, key)
	if err != nil {
		return false, capabilities.Wrap(capabilities.KindIO, err, "stat object %q", name)
	}
	return ok, nil
}

// ObjectInfo implements Container.
func (c *MemoryContainer) ObjectInfo(ctx context.Context, name string) (wireformat.ObjectInfoWire, error) {
	key, err := objectKey(name)
	if err != nil {
		return wireformat.ObjectInfoWire{}, err
	}
	size, err := c.ds.GetSize(ctx, key)
	if errors.Is(err, ds.ErrNotFound) {
		return wireformat.ObjectInfoWire{}, capabilities.NotFound("object %q not found", name)
	}
	if err != nil {
		return wireformat.ObjectInfoWire{}, capabilities.Wrap(capabilities.KindIO, err, "stat object %q", name)
	}

	c.mu.Lock()
	created := c.created[key.String()]
	c.mu.Unlock()

	return wireformat.ObjectInfoWire{
		Name:      name,
		Container: c.name,
		Size:      uint64(size), //nolint:gosec // G115: sizes are non-negative
		CreatedAt: created,
	}, nil
}

// Delete implements Container.
func (c *MemoryContainer) Delete(ctx context.Context, name string) error {
	key, err := objectKey(name)
	if err != nil {
		return err
	}
	if err := c.ds.Delete(ctx, key); err != nil && !errors.Is(err, ds.ErrNotFound) {
		return capabilities.Wrap(capabilities.KindIO, err, "delete object %q", name)
	}
	c.mu.Lock()
	delete(c.created, key.String())
	c.mu.Unlock()
	return nil
}

// Reader implements Container.
func (c *MemoryContainer) Reader(ctx context.Context, name string) (io.ReadCloser, error) {
	key, err := objectKey(name)
	if err != nil {
		return nil, err
	}
	data, err := c.ds.Get(ctx, key)
	if errors.Is(err, ds.ErrNotFound) {
		return nil, capabilities.NotFound("object %q not found", name)
	}
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "read object %q", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Write implements Container.
func (c *MemoryContainer) Write(ctx context.Context, name string, data []byte) error {
	key, err := objectKey(name)
	if err != nil {
		return err
	}
	if err := c.ds.Put(ctx, key, bytes.Clone(data)); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write object %q", name)
	}
	c.mu.Lock()
	c.created[key.String()] = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

// Clear implements Container.
func (c *MemoryContainer) Clear(ctx context.Context) error {
	names, err := c.List(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := c.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
