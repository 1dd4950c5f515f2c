// Package messaging implements the messaging capability: publish to a
// topic and receive from subscriptions, over an in-process broker or NATS.
package messaging

import (
	"context"
	"time"

	"github.com/reglet-dev/caphost/internal/application/services"
)

// Broker is the operation set of one messaging backend.
type Broker interface {
	Publish(ctx context.Context, topic string, msg []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is a live subscription to one topic.
type Subscription interface {
	// Receive waits up to timeout for the next message. It returns false
	// when no message arrived in time. A zero timeout polls.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, bool, error)
	Close() error
}

// Backend discriminators.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Factories returns the constructor of every messaging backend.
func Factories() map[string]services.Factory[Broker] {
	return map[string]services.Factory[Broker]{
		BackendMemory: NewMemoryBroker,
		BackendNATS:   NewNATSBroker,
	}
}
