package lock

import (
	"context"
	"log/slog"
	"sync"

	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/abi"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/tetratelabs/wazero/api"
)

// Instance is an opened locker as seen through a guest handle. Locks still
// held when the instance is dropped are released.
type Instance struct {
	*services.Instance[Locker]
	held map[string]struct{}
	mu   sync.Mutex
}

func (i *Instance) track(key []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.held[string(key)] = struct{}{}
}

func (i *Instance) forget(key []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.held, string(key))
}

func (i *Instance) release() {
	i.mu.Lock()
	keys := make([]string, 0, len(i.held))
	for key := range i.held {
		keys = append(keys, key)
	}
	i.held = map[string]struct{}{}
	i.mu.Unlock()

	for _, key := range keys {
		if err := i.Backend.Unlock(context.Background(), []byte(key)); err != nil {
			slog.Warn("failed to release abandoned lock", "name", i.Name, "error", err)
		}
	}
	i.Close()
}

// Facade exposes lockers to guests as the "lock" host module.
type Facade struct {
	resolver *services.Resolver[Locker]
	lockers  *resource.Table[*Instance]
	boundary *hostfuncs.Boundary
}

// NewFacade creates the lock facade.
func NewFacade(resolver *services.Resolver[Locker], boundary *hostfuncs.Boundary) *Facade {
	return &Facade{
		resolver: resolver,
		lockers:  resource.NewTable[*Instance]("lock"),
		boundary: boundary,
	}
}

// ModuleName implements hostfuncs.Module.
func (f *Facade) ModuleName() string { return string(capabilities.TypeLock) }

// Functions implements hostfuncs.Module.
func (f *Facade) Functions() []hostfuncs.Func {
	return []hostfuncs.Func{
		{Name: "open", Params: hostfuncs.I32s(3), Handler: f.open},
		{Name: "lock", Params: hostfuncs.I32s(4), Handler: f.lock},
		{Name: "unlock", Params: hostfuncs.I32s(4), Handler: f.unlock},
		{Name: "drop", Params: hostfuncs.I32s(1), Handler: f.drop},
	}
}

func releaseInstance(inst *Instance) { inst.release() }

// open(name_ptr, name_len, retptr) -> result<handle>
func (f *Facade) open(ctx context.Context, mod api.Module, stack []uint64) {
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 0), hostfuncs.Arg(stack, 1))
	retptr := hostfuncs.Arg(stack, 2)

	inst, err := f.resolver.Open(ctx, name)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	h := resource.Insert(ctx, f.lockers, &Instance{Instance: inst, held: map[string]struct{}{}}, releaseInstance)
	abi.WriteHandle(mod, retptr, uint32(h))
}

// lock(handle, name_ptr, name_len, retptr) -> result<bytes>
func (f *Facade) lock(ctx context.Context, mod api.Module, stack []uint64) {
	inst := resource.Get(ctx, f.lockers, resource.Handle(hostfuncs.Arg(stack, 0)))
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	key, err := inst.Backend.Lock(ctx, name)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	inst.track(key)
	abi.WriteBytes(ctx, mod, retptr, key)
}

// unlock(handle, key_ptr, key_len, retptr) -> result<_>
func (f *Facade) unlock(ctx context.Context, mod api.Module, stack []uint64) {
	inst := resource.Get(ctx, f.lockers, resource.Handle(hostfuncs.Arg(stack, 0)))
	key := abi.Read(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	if err := inst.Backend.Unlock(ctx, key); err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	inst.forget(key)
	abi.WriteUnit(mod, retptr)
}

// drop(handle)
func (f *Facade) drop(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.lockers, resource.Handle(hostfuncs.Arg(stack, 0)), releaseInstance)
}
