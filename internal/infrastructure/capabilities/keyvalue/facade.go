package keyvalue

import (
	"context"
	"log/slog"

	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/events"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/abi"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/reglet-dev/caphost/wireformat"
	"github.com/tetratelabs/wazero/api"
)

// Instance is an opened store as seen through a guest handle.
type Instance = services.Instance[Store]

// Observable is a watch on one key of an opened store.
type Observable struct {
	watch  Watch
	Source string
	Key    string
}

// Facade exposes key-value stores to guests as the "keyvalue" host module.
type Facade struct {
	resolver    *services.Resolver[Store]
	stores      *resource.Table[*Instance]
	observables *resource.Table[*Observable]
	boundary    *hostfuncs.Boundary
}

// NewFacade creates the key-value facade.
func NewFacade(resolver *services.Resolver[Store], boundary *hostfuncs.Boundary) *Facade {
	return &Facade{
		resolver:    resolver,
		stores:      resource.NewTable[*Instance]("keyvalue"),
		observables: resource.NewTable[*Observable]("keyvalue-observable"),
		boundary:    boundary,
	}
}

// ModuleName implements hostfuncs.Module.
func (f *Facade) ModuleName() string { return string(capabilities.TypeKeyValue) }

// Functions implements hostfuncs.Module.
func (f *Facade) Functions() []hostfuncs.Func {
	return []hostfuncs.Func{
		{Name: "open", Params: hostfuncs.I32s(3), Handler: f.open},
		{Name: "get", Params: hostfuncs.I32s(4), Handler: f.get},
		{Name: "set", Params: hostfuncs.I32s(6), Handler: f.set},
		{Name: "delete", Params: hostfuncs.I32s(4), Handler: f.delete},
		{Name: "exists", Params: hostfuncs.I32s(4), Handler: f.exists},
		{Name: "keys", Params: hostfuncs.I32s(2), Handler: f.keys},
		{Name: "watch", Params: hostfuncs.I32s(4), Handler: f.watch},
		{Name: "drop", Params: hostfuncs.I32s(1), Handler: f.drop},
		{Name: "drop_observable", Params: hostfuncs.I32s(1), Handler: f.dropObservable},
	}
}

// Open resolves name and registers the instance in the caller's scope.
func (f *Facade) Open(ctx context.Context, name string) (resource.Handle, error) {
	inst, err := f.resolver.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	return resource.Insert(ctx, f.stores, inst, closeInstance), nil
}

// Store returns the backend behind a live handle, faulting on stale handles.
func (f *Facade) Store(ctx context.Context, h resource.Handle) Store {
	return resource.Get(ctx, f.stores, h).Backend
}

func closeInstance(inst *Instance) { inst.Close() }

func closeObservable(o *Observable) { _ = o.watch.Close() }

// open(name_ptr, name_len, retptr) -> result<handle>
func (f *Facade) open(ctx context.Context, mod api.Module, stack []uint64) {
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 0), hostfuncs.Arg(stack, 1))
	retptr := hostfuncs.Arg(stack, 2)

	h, err := f.Open(ctx, name)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteHandle(mod, retptr, uint32(h))
}

// get(handle, key_ptr, key_len, retptr) -> result<bytes>
func (f *Facade) get(ctx context.Context, mod api.Module, stack []uint64) {
	store := f.Store(ctx, resource.Handle(hostfuncs.Arg(stack, 0)))
	key := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	value, err := store.Get(ctx, key)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteBytes(ctx, mod, retptr, value)
}

// set(handle, key_ptr, key_len, value_ptr, value_len, retptr) -> result<_>
func (f *Facade) set(ctx context.Context, mod api.Module, stack []uint64) {
	store := f.Store(ctx, resource.Handle(hostfuncs.Arg(stack, 0)))
	key := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	value := abi.Read(mod, hostfuncs.Arg(stack, 3), hostfuncs.Arg(stack, 4))
	retptr := hostfuncs.Arg(stack, 5)

	if err := store.Set(ctx, key, value); err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteUnit(mod, retptr)
}

// delete(handle, key_ptr, key_len, retptr) -> result<_>
func (f *Facade) delete(ctx context.Context, mod api.Module, stack []uint64) {
	store := f.Store(ctx, resource.Handle(hostfuncs.Arg(stack, 0)))
	key := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	if err := store.Delete(ctx, key); err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteUnit(mod, retptr)
}

// exists(handle, key_ptr, key_len, retptr) -> result<bool>
func (f *Facade) exists(ctx context.Context, mod api.Module, stack []uint64) {
	store := f.Store(ctx, resource.Handle(hostfuncs.Arg(stack, 0)))
	key := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	ok, err := store.Exists(ctx, key)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteBool(mod, retptr, ok)
}

// keys(handle, retptr) -> result<list<string>>
func (f *Facade) keys(ctx context.Context, mod api.Module, stack []uint64) {
	store := f.Store(ctx, resource.Handle(hostfuncs.Arg(stack, 0)))
	retptr := hostfuncs.Arg(stack, 1)

	keys, err := store.Keys(ctx)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteStrings(ctx, mod, retptr, keys)
}

// watch(handle, key_ptr, key_len, retptr) -> result<observable>
func (f *Facade) watch(ctx context.Context, mod api.Module, stack []uint64) {
	inst := resource.Get(ctx, f.stores, resource.Handle(hostfuncs.Arg(stack, 0)))
	key := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	hub := events.HubFrom(ctx)
	if hub == nil {
		f.boundary.Fail(ctx, mod, retptr, capabilities.NewError(capabilities.KindUnsupported,
			"watch is not available in this execution context"))
		return
	}

	w, err := inst.Backend.Watch(ctx, key)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}

	obs := &Observable{watch: w, Source: inst.Name, Key: key}
	go forward(obs, hub)

	h := resource.Insert(ctx, f.observables, obs, closeObservable)
	abi.WriteHandle(mod, retptr, uint32(h))
}

// forward relays backend changes into the guest context's event hub until
// the watch is closed or the hub shuts down.
func forward(obs *Observable, hub *events.Hub) {
	for change := range obs.watch.Changes() {
		ok := hub.Publish(wireformat.EventWire{
			Source:  obs.Source,
			Key:     change.Key,
			Value:   change.Value,
			Deleted: change.Deleted,
		})
		if !ok {
			_ = obs.watch.Close()
			slog.Debug("event hub closed, stopping watch", "source", obs.Source, "key", obs.Key)
			return
		}
	}
}

// drop(handle)
func (f *Facade) drop(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.stores, resource.Handle(hostfuncs.Arg(stack, 0)), closeInstance)
}

// drop_observable(handle)
func (f *Facade) dropObservable(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.observables, resource.Handle(hostfuncs.Arg(stack, 0)), closeObservable)
}
