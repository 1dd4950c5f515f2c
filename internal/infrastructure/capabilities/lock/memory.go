package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

// MemoryLocker is a lock table shared by every guest context in the process.
type MemoryLocker struct {
	held    map[string]chan struct{} // name -> closed on release
	keys    map[string]string        // key -> name
	timeout time.Duration
	mu      sync.Mutex
}

// NewMemoryLocker creates an in-process locker. Config "timeout" bounds how
// long Lock waits.
func NewMemoryLocker(_ context.Context, cfg *capabilities.InstanceConfig) (Locker, error) {
	timeout, err := cfg.Duration("timeout", 0)
	if err != nil {
		return nil, err
	}
	return &MemoryLocker{
		held:    make(map[string]chan struct{}),
		keys:    make(map[string]string),
		timeout: timeout,
	}, nil
}

// Lock implements Locker.
func (l *MemoryLocker) Lock(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	for {
		l.mu.Lock()
		released, busy := l.held[name]
		if !busy {
			key := uuid.NewString()
			l.held[name] = make(chan struct{})
			l.keys[key] = name
			l.mu.Unlock()
			return []byte(key), nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return nil, waitError(name, ctx.Err())
		}
	}
}

// Unlock implements Locker.
func (l *MemoryLocker) Unlock(_ context.Context, key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	name, ok := l.keys[string(key)]
	if !ok {
		return capabilities.NotFound("lock key %q not held", key)
	}
	delete(l.keys, string(key))
	close(l.held[name])
	delete(l.held, name)
	return nil
}
