// Package hostfuncs builds the wazero host modules that expose capabilities
// to guests, and holds the boundary helpers every capability shares.
package hostfuncs

import (
	"context"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Func is one guest-callable import.
type Func struct {
	Handler api.GoModuleFunc
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Module is a host module guests import functions from.
type Module interface {
	ModuleName() string
	Functions() []Func
}

// Middleware wraps a host function to add cross-cutting behavior.
// Middleware executes in registration order (first registered is outermost).
type Middleware func(module string, fn Func, next api.GoModuleFunc) api.GoModuleFunc

// Registry collects host modules and links them into a runtime.
type Registry struct {
	modules    map[string]Module
	middleware []Middleware
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMiddleware appends middleware applied to every function.
func WithMiddleware(mw ...Middleware) RegistryOption {
	return func(r *Registry) {
		r.middleware = append(r.middleware, mw...)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{modules: make(map[string]Module)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers host modules. Module names must be unique.
func (r *Registry) Add(mods ...Module) error {
	for _, m := range mods {
		name := m.ModuleName()
		if _, exists := r.modules[name]; exists {
			return fmt.Errorf("host module %q registered twice", name)
		}
		r.modules[name] = m
	}
	return nil
}

// Modules returns the registered module names, sorted.
func (r *Registry) Modules() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instantiate builds and instantiates every registered module in runtime.
func (r *Registry) Instantiate(ctx context.Context, runtime wazero.Runtime) error {
	for _, name := range r.Modules() {
		builder := runtime.NewHostModuleBuilder(name)
		for _, fn := range r.modules[name].Functions() {
			builder.NewFunctionBuilder().
				WithGoModuleFunction(r.wrap(name, fn), fn.Params, fn.Results).
				WithName(fn.Name).
				Export(fn.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return fmt.Errorf("failed to instantiate host module %s: %w", name, err)
		}
	}
	return nil
}

func (r *Registry) wrap(module string, fn Func) api.GoModuleFunc {
	handler := fn.Handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		handler = r.middleware[i](module, fn, handler)
	}
	return handler
}

// I32s returns n i32 value types.
func I32s(n int) []api.ValueType {
	types := make([]api.ValueType, n)
	for i := range types {
		types[i] = api.ValueTypeI32
	}
	return types
}

// Arg decodes the i-th i32 argument from the stack.
func Arg(stack []uint64, i int) uint32 {
	return api.DecodeU32(stack[i])
}
