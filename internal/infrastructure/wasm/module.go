package wasm

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/events"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/httpserver"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/tetratelabs/wazero"
)

// Guest exports with special meaning to the host.
const (
	InitializeExport = "_initialize"
	StartExport      = "_start"
)

// eventBuffer bounds undelivered observable changes per execution context.
const eventBuffer = 64

// Module is a compiled guest. It is immutable and safe to instantiate
// concurrently.
type Module struct {
	compiled wazero.CompiledModule
	runtime  *Runtime
	name     string
}

// Name returns the name the module was loaded under.
func (m *Module) Name() string {
	return m.name
}

// Exports reports whether the compiled module exports fn.
func (m *Module) Exports(fn string) bool {
	_, ok := m.compiled.ExportedFunctions()[fn]
	return ok
}

// Instantiate builds a fresh execution context of kind with its own linear
// memory, handle scope and event hub. When ctx carries a scope, the new scope
// is its child and may use its handles. Reactor modules get _initialize run
// before the context is returned.
func (m *Module) Instantiate(ctx context.Context, kind, requestID string) (*Instance, error) {
	inst := &Instance{
		info: hostfuncs.GuestInfo{
			Module:    m.name,
			Kind:      kind,
			RequestID: requestID,
		},
		module: m,
		scope:  resource.NewChildScope(resource.ScopeFrom(ctx)),
		hub:    events.NewHub(eventBuffer),
	}

	config := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader).
		WithStdout(m.runtime.stdout).
		WithStderr(m.runtime.stderr).
		WithArgs(m.name)

	mod, err := m.runtime.runtime.InstantiateModule(inst.bind(ctx), m.compiled, config)
	if err != nil {
		inst.teardown()
		return nil, fmt.Errorf("failed to instantiate guest module %s: %w", m.name, err)
	}
	inst.mod = mod

	if fn := mod.ExportedFunction(InitializeExport); fn != nil {
		if _, err := fn.Call(inst.bind(ctx)); err != nil {
			_ = inst.Close(ctx)
			return nil, fmt.Errorf("failed to initialize guest module %s: %w", m.name, err)
		}
	}

	return inst, nil
}

// Build implements httpserver.GuestFactory: every inbound request gets its
// own execution context.
func (m *Module) Build(ctx context.Context, requestID string) (httpserver.Guest, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	inst, err := m.Instantiate(ctx, hostfuncs.ContextHTTP, requestID)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
