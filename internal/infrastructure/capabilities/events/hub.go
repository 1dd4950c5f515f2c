// Package events delivers observable changes to the guest through the
// handle_event export.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/reglet-dev/caphost/wireformat"
)

// Hub buffers events raised by the observables of one guest execution
// context until the guest asks for them with events.exec.
type Hub struct {
	ch   chan wireformat.EventWire
	done chan struct{}
	once sync.Once
}

// NewHub creates a hub holding at most buffer undelivered events before
// publishers block.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		ch:   make(chan wireformat.EventWire, buffer),
		done: make(chan struct{}),
	}
}

// Publish queues an event. It returns false once the hub is closed.
func (h *Hub) Publish(ev wireformat.EventWire) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.ch <- ev:
		return true
	case <-h.done:
		return false
	}
}

// Collect waits up to timeout for the first event and then drains whatever
// else is already queued. A zero timeout only drains.
func (h *Hub) Collect(ctx context.Context, timeout time.Duration) []wireformat.EventWire {
	var out []wireformat.EventWire

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case ev := <-h.ch:
			out = append(out, ev)
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		}
	}

	for {
		select {
		case ev := <-h.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Done is closed when the hub shuts down.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Close stops the hub; pending publishers return.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

type hubKey struct{}

// WithHub attaches a hub to the guest context.
func WithHub(ctx context.Context, h *Hub) context.Context {
	return context.WithValue(ctx, hubKey{}, h)
}

// HubFrom returns the hub attached to ctx, or nil.
func HubFrom(ctx context.Context) *Hub {
	h, _ := ctx.Value(hubKey{}).(*Hub)
	return h
}
