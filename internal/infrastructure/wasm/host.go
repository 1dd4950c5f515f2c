package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
)

// ServerWaiter blocks while guest-started servers are still serving.
type ServerWaiter interface {
	Wait(ctx context.Context) error
}

// Host runs a guest module's main execution context to completion.
type Host struct {
	servers ServerWaiter
}

// NewHost creates a host. servers may be nil when the HTTP capability is
// not linked.
func NewHost(servers ServerWaiter) *Host {
	return &Host{servers: servers}
}

// Run instantiates the main execution context, runs _start and then keeps
// the context alive while any server it started is serving. Cancelling ctx
// ends the wait; closing the context stops the servers and releases every
// handle the guest still holds.
func (h *Host) Run(ctx context.Context, m *Module) (err error) {
	start := time.Now()
	inst, err := m.Instantiate(ctx, hostfuncs.ContextMain, "")
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := inst.Close(context.WithoutCancel(ctx)); closeErr != nil {
			slog.Debug("closing main execution context", "module", m.Name(), "error", closeErr)
		}
		slog.Info("guest finished", "module", m.Name(), "duration", time.Since(start), "error", err)
	}()

	slog.Info("starting guest", "module", m.Name())
	if err := inst.Start(ctx); err != nil {
		return fmt.Errorf("guest %s: %w", m.Name(), err)
	}

	if h.servers == nil {
		return nil
	}
	if err := h.servers.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("guest %s servers: %w", m.Name(), err)
	}
	return nil
}
