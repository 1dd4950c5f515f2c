// Package lock implements the distributed lock capability over an
// in-process lock table or etcd.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

// Locker is the operation set of one lock backend.
type Locker interface {
	// Lock blocks until name is acquired and returns the key that releases it.
	Lock(ctx context.Context, name string) ([]byte, error)
	// Unlock releases the lock held under key. Unknown keys are not-found.
	Unlock(ctx context.Context, key []byte) error
}

// Backend discriminators.
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
)

// Factories returns the constructor of every lock backend.
func Factories() map[string]services.Factory[Locker] {
	return map[string]services.Factory[Locker]{
		BackendMemory: NewMemoryLocker,
		BackendEtcd:   NewEtcdLocker,
	}
}

// withTimeout bounds a lock wait. Zero waits until ctx is done.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func waitError(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return capabilities.Wrap(capabilities.KindTimeout, err, "acquire lock %q", name)
	}
	return capabilities.Wrap(capabilities.KindIO, err, "acquire lock %q", name)
}
