package messaging

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

// MemoryBroker fans messages out to in-process subscribers. Each
// subscription buffers up to "buffer" messages; when full, new messages
// for that subscription are dropped.
type MemoryBroker struct {
	topics map[string]map[*memorySub]struct{}
	name   string
	buffer int
	mu     sync.RWMutex
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker(_ context.Context, cfg *capabilities.InstanceConfig) (Broker, error) {
	buffer, err := cfg.Int("buffer", 128)
	if err != nil {
		return nil, err
	}
	return &MemoryBroker{
		topics: make(map[string]map[*memorySub]struct{}),
		name:   cfg.Name,
		buffer: buffer,
	}, nil
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(_ context.Context, topic string, msg []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- bytes.Clone(msg):
		default:
			slog.Warn("subscription buffer full, dropping message", "broker", b.name, "topic", topic)
		}
	}
	return nil
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (Subscription, error) {
	sub := &memorySub{broker: b, topic: topic, ch: make(chan []byte, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySub]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBroker) unsubscribe(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics[sub.topic], sub)
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}

type memorySub struct {
	broker *MemoryBroker
	ch     chan []byte
	topic  string
	once   sync.Once
}

func (s *memorySub) Receive(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	if timeout <= 0 {
		select {
		case msg := <-s.ch:
			return msg, true, nil
		default:
			return nil, false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-s.ch:
		return msg, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *memorySub) Close() error {
	s.once.Do(func() { s.broker.unsubscribe(s) })
	return nil
}
