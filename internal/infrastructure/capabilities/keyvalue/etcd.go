package keyvalue

import (
	"context"
	"strings"
	"sync"

	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/etcdutil"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore keeps keys in etcd below an optional prefix.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore connects to config "endpoints" (comma separated).
func NewEtcdStore(_ context.Context, cfg *capabilities.InstanceConfig) (Store, error) {
	client, err := etcdutil.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &EtcdStore{client: client, prefix: cfg.Get("prefix", "")}, nil
}

func (s *EtcdStore) key(k string) string {
	return s.prefix + k
}

// Get implements Store.
func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Get(ctx, s.key(key))
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "read key %q", key)
	}
	if len(resp.Kvs) == 0 {
		return nil, capabilities.NotFound("key %q not found", key)
	}
	return resp.Kvs[0].Value, nil
}

// Set implements Store.
func (s *EtcdStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.client.Put(ctx, s.key(key), string(value)); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write key %q", key)
	}
	return nil
}

// Delete implements Store.
func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Delete(ctx, s.key(key)); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "delete key %q", key)
	}
	return nil
}

// Exists implements Store.
func (s *EtcdStore) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.client.Get(ctx, s.key(key), clientv3.WithCountOnly())
	if err != nil {
		return false, capabilities.Wrap(capabilities.KindIO, err, "stat key %q", key)
	}
	return resp.Count > 0, nil
}

// Keys implements Store.
func (s *EtcdStore) Keys(ctx context.Context) ([]string, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "list keys")
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, strings.TrimPrefix(string(kv.Key), s.prefix))
	}
	return keys, nil
}

// Watch implements Store.
func (s *EtcdStore) Watch(_ context.Context, key string) (Watch, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &etcdWatch{changes: make(chan Change, 16), cancel: cancel}
	events := s.client.Watch(ctx, s.key(key))
	go func() {
		defer close(w.changes)
		for resp := range events {
			for _, ev := range resp.Events {
				change := Change{Key: key, Deleted: ev.Type == clientv3.EventTypeDelete}
				if !change.Deleted {
					change.Value = ev.Kv.Value
				}
				select {
				case w.changes <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return w, nil
}

// Close closes the etcd client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

type etcdWatch struct {
	changes chan Change
	cancel  context.CancelFunc
	once    sync.Once
}

func (w *etcdWatch) Changes() <-chan Change { return w.changes }

func (w *etcdWatch) Close() error {
	w.once.Do(w.cancel)
	return nil
}
