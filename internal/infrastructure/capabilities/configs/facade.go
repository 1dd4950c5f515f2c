package configs

import (
	"context"

	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/abi"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/tetratelabs/wazero/api"
)

// Instance is an opened configuration source as seen through a guest handle.
type Instance = services.Instance[Source]

// Facade exposes configuration sources to guests as the "configs" host module.
type Facade struct {
	resolver *services.Resolver[Source]
	sources  *resource.Table[*Instance]
	boundary *hostfuncs.Boundary
}

// NewFacade creates the configs facade.
func NewFacade(resolver *services.Resolver[Source], boundary *hostfuncs.Boundary) *Facade {
	return &Facade{
		resolver: resolver,
		sources:  resource.NewTable[*Instance]("configs"),
		boundary: boundary,
	}
}

// ModuleName implements hostfuncs.Module.
func (f *Facade) ModuleName() string { return string(capabilities.TypeConfigs) }

// Functions implements hostfuncs.Module.
func (f *Facade) Functions() []hostfuncs.Func {
	return []hostfuncs.Func{
		{Name: "open", Params: hostfuncs.I32s(3), Handler: f.open},
		{Name: "get", Params: hostfuncs.I32s(4), Handler: f.get},
		{Name: "set", Params: hostfuncs.I32s(6), Handler: f.set},
		{Name: "drop", Params: hostfuncs.I32s(1), Handler: f.drop},
	}
}

func closeInstance(inst *Instance) { inst.Close() }

// open(name_ptr, name_len, retptr) -> result<handle>
func (f *Facade) open(ctx context.Context, mod api.Module, stack []uint64) {
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 0), hostfuncs.Arg(stack, 1))
	retptr := hostfuncs.Arg(stack, 2)

	inst, err := f.resolver.Open(ctx, name)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	h := resource.Insert(ctx, f.sources, inst, closeInstance)
	abi.WriteHandle(mod, retptr, uint32(h))
}

// get(handle, key_ptr, key_len, retptr) -> result<bytes>
func (f *Facade) get(ctx context.Context, mod api.Module, stack []uint64) {
	src := resource.Get(ctx, f.sources, resource.Handle(hostfuncs.Arg(stack, 0))).Backend
	key := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	v, err := src.Get(ctx, key)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteBytes(ctx, mod, retptr, []byte(v))
}

// set(handle, key_ptr, key_len, value_ptr, value_len, retptr) -> result<_>
func (f *Facade) set(ctx context.Context, mod api.Module, stack []uint64) {
	src := resource.Get(ctx, f.sources, resource.Handle(hostfuncs.Arg(stack, 0))).Backend
	key := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	value := abi.ReadString(mod, hostfuncs.Arg(stack, 3), hostfuncs.Arg(stack, 4))
	retptr := hostfuncs.Arg(stack, 5)

	if err := src.Set(ctx, key, value); err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteUnit(mod, retptr)
}

// drop(handle)
func (f *Facade) drop(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.sources, resource.Handle(hostfuncs.Arg(stack, 0)), closeInstance)
}
