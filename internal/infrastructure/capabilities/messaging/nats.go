package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

// NATSBroker publishes and subscribes on a NATS server.
type NATSBroker struct {
	conn *nats.Conn
}

// NewNATSBroker connects to config "url" (default nats://127.0.0.1:4222).
// Optional "token" or "username"/"password" authenticate the connection.
func NewNATSBroker(_ context.Context, cfg *capabilities.InstanceConfig) (Broker, error) {
	opts := []nats.Option{nats.Name("caphost/" + cfg.Name)}
	if token := cfg.Get("token", ""); token != "" {
		opts = append(opts, nats.Token(token))
	}
	if user := cfg.Get("username", ""); user != "" {
		opts = append(opts, nats.UserInfo(user, cfg.Get("password", "")))
	}

	conn, err := nats.Connect(cfg.Get("url", nats.DefaultURL), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSBroker{conn: conn}, nil
}

// Publish implements Broker.
func (b *NATSBroker) Publish(_ context.Context, topic string, msg []byte) error {
	if err := b.conn.Publish(topic, msg); err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "publish to %q", topic)
	}
	return nil
}

// Subscribe implements Broker.
func (b *NATSBroker) Subscribe(_ context.Context, topic string) (Subscription, error) {
	sub, err := b.conn.SubscribeSync(topic)
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "subscribe to %q", topic)
	}
	return &natsSub{sub: sub}, nil
}

// Close drains and closes the connection.
func (b *NATSBroker) Close() error {
	return b.conn.Drain()
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Receive(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := s.sub.NextMsgWithContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, capabilities.Wrap(capabilities.KindIO, err, "receive")
	}
	return msg.Data, true, nil
}

func (s *natsSub) Close() error {
	return s.sub.Unsubscribe()
}
