// Package keyvalue implements the key-value capability: the Store
// interface every backend satisfies, the backends themselves and the
// facade that exposes them to guests.
package keyvalue

import (
	"context"

	"github.com/reglet-dev/caphost/internal/application/services"
)

// Store is the operation set of one key-value backend.
// Operations a backend cannot perform return an unsupported error.
type Store interface {
	// Get returns the value of key or a not-found error.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	// Watch reports changes to key until the returned watch is closed.
	Watch(ctx context.Context, key string) (Watch, error)
}

// Change is one observed modification of a watched key.
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Watch is a live subscription to key changes.
type Watch interface {
	Changes() <-chan Change
	Close() error
}

// Backend discriminators.
const (
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
	BackendBadger     = "badger"
	BackendS3         = "s3"
	BackendEtcd       = "etcd"
)

// Factories returns the constructor of every key-value backend.
func Factories() map[string]services.Factory[Store] {
	return map[string]services.Factory[Store]{
		BackendFilesystem: NewFilesystemStore,
		BackendMemory:     NewMemoryStore,
		BackendBadger:     NewBadgerStore,
		BackendS3:         NewS3Store,
		BackendEtcd:       NewEtcdStore,
	}
}
