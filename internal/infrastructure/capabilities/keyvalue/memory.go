package keyvalue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

const memTable = "kv"

type memEntry struct {
	Key   string
	Value []byte
}

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		memTable: {
			Name: memTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
			},
		},
	},
}

// MemoryStore is an in-process store backed by go-memdb. It is the only
// built-in backend besides etcd that supports watch.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(context.Context, *capabilities.InstanceConfig) (Store, error) {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

func (s *MemoryStore) lookup(key string) (<-chan struct{}, []byte, bool) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	ch, raw, err := txn.FirstWatch(memTable, "id", key)
	if err != nil || raw == nil {
		return ch, nil, false
	}
	return ch, raw.(*memEntry).Value, true
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	_, value, ok := s.lookup(key)
	if !ok {
		return nil, capabilities.NotFound("key %q not found", key)
	}
	return bytes.Clone(value), nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(memTable, &memEntry{Key: key, Value: bytes.Clone(value)}); err != nil {
		return capabilities.Wrap(capabilities.KindUnexpected, err, "set key %q", key)
	}
	txn.Commit()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	err := txn.Delete(memTable, &memEntry{Key: key})
	if errors.Is(err, memdb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return capabilities.Wrap(capabilities.KindUnexpected, err, "delete key %q", key)
	}
	txn.Commit()
	return nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	_, _, ok := s.lookup(key)
	return ok, nil
}

// Keys implements Store. Keys come back in index (lexical) order.
func (s *MemoryStore) Keys(context.Context) ([]string, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(memTable, "id")
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindUnexpected, err, "list keys")
	}
	keys := []string{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		keys = append(keys, raw.(*memEntry).Key)
	}
	return keys, nil
}

// Watch implements Store.
func (s *MemoryStore) Watch(_ context.Context, key string) (Watch, error) {
	w := &memoryWatch{
		store:   s,
		key:     key,
		changes: make(chan Change, 16),
		done:    make(chan struct{}),
	}
	ch, value, ok := s.lookup(key)
	go w.run(ch, value, ok)
	return w, nil
}

type memoryWatch struct {
	store   *MemoryStore
	changes chan Change
	done    chan struct{}
	key     string
	once    sync.Once
}

// run waits on memdb watch channels. The channel of a missing key fires
// for neighbouring writes too, so a change is only reported when the
// value or its presence actually differs.
func (w *memoryWatch) run(ch <-chan struct{}, last []byte, present bool) {
	defer close(w.changes)
	for {
		select {
		case <-ch:
		case <-w.done:
			return
		}

		next, value, ok := w.store.lookup(w.key)
		ch = next
		if ok == present && bytes.Equal(value, last) {
			continue
		}
		last, present = value, ok

		change := Change{Key: w.key, Value: bytes.Clone(value), Deleted: !ok}
		select {
		case w.changes <- change:
		case <-w.done:
			return
		}
	}
}

func (w *memoryWatch) Changes() <-chan Change { return w.changes }

func (w *memoryWatch) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}
