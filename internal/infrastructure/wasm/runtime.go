// Package wasm hosts guest modules on wazero: it compiles them once, links
// the capability host modules and builds isolated execution contexts.
package wasm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// globalCache is shared by every runtime without a cache directory so
// repeated runtimes in one process skip recompilation.
var globalCache = wazero.NewCompilationCache()

// DefaultMemoryLimitMB caps guest linear memory when no limit is configured.
const DefaultMemoryLimitMB = 256

// Runtime owns a wazero runtime with the capability host modules linked in.
type Runtime struct {
	runtime wazero.Runtime
	stdout  io.Writer
	stderr  io.Writer
	modules map[string]*Module
	mu      sync.RWMutex
}

type runtimeOptions struct {
	stdout        io.Writer
	stderr        io.Writer
	cacheDir      string
	memoryLimitMB int
}

// Option configures a Runtime.
type Option func(*runtimeOptions)

// WithMemoryLimitMB caps guest memory. 0 selects DefaultMemoryLimitMB and
// -1 removes the cap.
func WithMemoryLimitMB(mb int) Option {
	return func(o *runtimeOptions) { o.memoryLimitMB = mb }
}

// WithOutput routes guest stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *runtimeOptions) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithCacheDir persists compiled modules under dir.
func WithCacheDir(dir string) Option {
	return func(o *runtimeOptions) { o.cacheDir = dir }
}

// NewRuntime creates a runtime and instantiates WASI plus every host module
// in registry.
func NewRuntime(ctx context.Context, registry *hostfuncs.Registry, opts ...Option) (*Runtime, error) {
	o := runtimeOptions{stdout: os.Stdout, stderr: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	cache := globalCache
	if o.cacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(o.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open module cache %s: %w", o.cacheDir, err)
		}
		cache = c
	}

	config := wazero.NewRuntimeConfig().
		WithCompilationCache(cache).
		WithCloseOnContextDone(true)

	limitMB := o.memoryLimitMB
	switch {
	case limitMB == 0:
		limitMB = DefaultMemoryLimitMB
	case limitMB == -1:
		limitMB = 0
	case limitMB < 64:
		slog.Warn("wasm memory limit is very low, guests may fail to start", "limit_mb", limitMB)
	}
	if limitMB > 0 {
		// 64KiB pages: 16 per MB
		config = config.WithMemoryLimitPages(uint32(limitMB) * 16) //nolint:gosec // G115: limit is validated above
	}

	r := wazero.NewRuntimeWithConfig(ctx, config)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if registry != nil {
		if err := registry.Instantiate(ctx, r); err != nil {
			_ = r.Close(ctx)
			return nil, err
		}
		slog.Debug("host modules linked", "modules", registry.Modules())
	}

	return &Runtime{
		runtime: r,
		stdout:  o.stdout,
		stderr:  o.stderr,
		modules: make(map[string]*Module),
	}, nil
}

// LoadModule compiles wasm under name. Loading the same name twice returns
// the already compiled module.
func (r *Runtime) LoadModule(ctx context.Context, name string, wasm []byte) (*Module, error) {
	r.mu.RLock()
	if m, ok := r.modules[name]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.modules[name]; ok {
		return m, nil
	}

	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("failed to compile guest module %s: %w", name, err)
	}

	m := &Module{name: name, compiled: compiled, runtime: r}
	r.modules[name] = m
	slog.Debug("compiled guest module", "module", name, "exports", len(compiled.ExportedFunctions()))
	return m, nil
}

// GetModule returns a previously loaded module.
func (r *Runtime) GetModule(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Close closes every instance and the underlying runtime.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}
