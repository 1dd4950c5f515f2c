package keyvalue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badgerds "github.com/ipfs/go-ds-badger2"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

// BadgerStore persists keys in a local badger database through the
// go-datastore interface.
type BadgerStore struct {
	ds *badgerds.Datastore
}

// NewBadgerStore opens (or creates) the database at config "path".
func NewBadgerStore(_ context.Context, cfg *capabilities.InstanceConfig) (Store, error) {
	path, err := cfg.Require("path")
	if err != nil {
		return nil, err
	}
	path = cfg.ResolvePath(path)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create badger directory %s: %w", path, err)
	}

	opts := badgerds.DefaultOptions
	opts.Logger = badgerLogger{}
	d, err := badgerds.NewDatastore(path, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger datastore %s: %w", path, err)
	}
	return &BadgerStore{ds: d}, nil
}

func dsKey(key string) ds.Key {
	return ds.NewKey(key)
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.ds.Get(ctx, dsKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, capabilities.NotFound("key %q not found", key)
	}
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "read key %q", key)
	}
	return v, nil
}

// Set implements Store.
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.ds.Put(ctx, dsKey(key), value); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write key %q", key)
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := s.ds.Delete(ctx, dsKey(key)); err != nil && !errors.Is(err, ds.ErrNotFound) {
		return capabilities.Wrap(capabilities.KindIO, err, "delete key %q", key)
	}
	return nil
}

// Exists implements Store.
func (s *BadgerStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.ds.Has(ctx, dsKey(key))
	if err != nil {
		return false, capabilities.Wrap(capabilities.KindIO, err, "stat key %q", key)
	}
	return ok, nil
}

// Keys implements Store.
func (s *BadgerStore) Keys(ctx context.Context) ([]string, error) {
	res, err := s.ds.Query(ctx, query.Query{KeysOnly: true, Orders: []query.Order{query.OrderByKey{}}})
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "list keys")
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "list keys")
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, strings.TrimPrefix(e.Key, "/"))
	}
	return keys, nil
}

// Watch implements Store.
func (s *BadgerStore) Watch(context.Context, string) (Watch, error) {
	return nil, capabilities.Unsupported(BackendBadger, "watch")
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.ds.Close()
}

// badgerLogger routes badger's internal logging into slog at debug level.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	slog.Error("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	slog.Warn("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	slog.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	slog.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}
