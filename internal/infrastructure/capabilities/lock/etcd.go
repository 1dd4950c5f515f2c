package lock

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/etcdutil"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdLocker holds locks as etcd concurrency mutexes bound to one lease.
// Locks held by a crashed host expire with the lease.
type EtcdLocker struct {
	client  *clientv3.Client
	session *concurrency.Session
	held    map[string]*concurrency.Mutex
	prefix  string
	timeout time.Duration
	mu      sync.Mutex
}

// NewEtcdLocker connects to config "endpoints" and opens a session with
// lease "ttl" (default 60s). Lock names live below "prefix".
func NewEtcdLocker(ctx context.Context, cfg *capabilities.InstanceConfig) (Locker, error) {
	ttl, err := cfg.Duration("ttl", 60*time.Second)
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.Duration("timeout", 0)
	if err != nil {
		return nil, err
	}
	client, err := etcdutil.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	session, err := concurrency.NewSession(client,
		concurrency.WithContext(ctx),
		concurrency.WithTTL(int(ttl.Seconds())))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to open etcd session: %w", err)
	}

	return &EtcdLocker{
		client:  client,
		session: session,
		held:    make(map[string]*concurrency.Mutex),
		prefix:  cfg.Get("prefix", "/caphost/locks"),
		timeout: timeout,
	}, nil
}

// Lock implements Locker.
func (l *EtcdLocker) Lock(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	m := concurrency.NewMutex(l.session, path.Join(l.prefix, name))
	if err := m.Lock(ctx); err != nil {
		return nil, waitError(name, err)
	}

	key := m.Key()
	l.mu.Lock()
	l.held[key] = m
	l.mu.Unlock()
	return []byte(key), nil
}

// Unlock implements Locker.
func (l *EtcdLocker) Unlock(ctx context.Context, key []byte) error {
	l.mu.Lock()
	m, ok := l.held[string(key)]
	delete(l.held, string(key))
	l.mu.Unlock()

	if !ok {
		return capabilities.NotFound("lock key %q not held", key)
	}
	if err := m.Unlock(ctx); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "release lock %q", key)
	}
	return nil
}

// Close revokes the session lease, releasing every held lock.
func (l *EtcdLocker) Close() error {
	err := l.session.Close()
	if cerr := l.client.Close(); err == nil {
		err = cerr
	}
	return err
}
