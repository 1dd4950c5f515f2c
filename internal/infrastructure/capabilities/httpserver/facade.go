package httpserver

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

// Running is a served router as seen through a guest handle.
type Running struct {
	*Server
	inst *services.Instance[*Endpoint]
}

// Facade exposes routers and servers to guests as the "http-server" host module.
type Facade struct {
	resolver *services.Resolver[*Endpoint]
	routers  *resource.Table[*Router]
	servers  *resource.Table[*Running]
	boundary *hostfuncs.Boundary
	active   map[*Server]struct{}
	mu       sync.Mutex
}

// NewFacade creates the HTTP server facade.
func NewFacade(resolver *services.Resolver[*Endpoint], boundary *hostfuncs.Boundary) *Facade {
	return &Facade{
		resolver: resolver,
		routers:  resource.NewTable[*Router]("http-router"),
		servers:  resource.NewTable[*Running]("http-server"),
		boundary: boundary,
		active:   make(map[*Server]struct{}),
	}
}

// ModuleName implements hostfuncs.Module.
func (f *Facade) ModuleName() string { return string(capabilities.TypeHTTPServer) }

// Functions implements hostfuncs.Module.
func (f *Facade) Functions() []hostfuncs.Func {
	return []hostfuncs.Func{
		{Name: "router_new", Params: hostfuncs.I32s(1), Handler: f.routerNew},
		{Name: "router_add", Params: hostfuncs.I32s(8), Handler: f.routerAdd},
		{Name: "serve", Params: hostfuncs.I32s(4), Handler: f.serve},
		{Name: "stop", Params: hostfuncs.I32s(2), Handler: f.stop},
		{Name: "drop_router", Params: hostfuncs.I32s(1), Handler: f.dropRouter},
		{Name: "drop_server", Params: hostfuncs.I32s(1), Handler: f.dropServer},
	}
}

// Active returns the number of servers still serving.
func (f *Facade) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

// Wait blocks until every server has stopped or ctx is done.
func (f *Facade) Wait(ctx context.Context) error {
	for {
		f.mu.Lock()
		var next *Server
		for s := range f.active {
			next = s
			break
		}
		f.mu.Unlock()

		if next == nil {
			return nil
		}
		select {
		case <-next.Done():
			f.forget(next)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Facade) forget(s *Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, s)
}

func (f *Facade) release(r *Running) {
	if err := r.Stop(context.Background()); err != nil {
		slog.Warn("failed to stop http server", "error", err)
	}
	f.forget(r.Server)
	r.inst.Close()
}

func (f *Facade) stopDetached(r *Running) {
	if err := r.Stop(context.Background()); err != nil {
		slog.Warn("failed to stop http server", "error", err)
	}
	f.forget(r.Server)
}

// router_new(retptr) -> result<router>
func (f *Facade) routerNew(ctx context.Context, mod api.Module, stack []uint64) {
	h := resource.Insert(ctx, f.routers, NewRouter(), nil)
	abi.WriteHandle(mod, hostfuncs.Arg(stack, 0), uint32(h))
}

// router_add(router, method_ptr, method_len, path_ptr, path_len, handler_ptr, handler_len, retptr) -> result<_>
func (f *Facade) routerAdd(ctx context.Context, mod api.Module, stack []uint64) {
	router := resource.Get(ctx, f.routers, resource.Handle(hostfuncs.Arg(stack, 0)))
	method := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	pattern := abi.ReadString(mod, hostfuncs.Arg(stack, 3), hostfuncs.Arg(stack, 4))
	handler := abi.ReadString(mod, hostfuncs.Arg(stack, 5), hostfuncs.Arg(stack, 6))
	retptr := hostfuncs.Arg(stack, 7)

	if err := router.Add(method, pattern, handler); err != nil {
		f.boundary.Fail(ctx, mod, retptr, capabilities.Wrap(capabilities.KindUnexpected, err, "add route"))
		return
	}
	abi.WriteUnit(mod, retptr)
}

// serve(addr_ptr, addr_len, router, retptr) -> result<server>
func (f *Facade) serve(ctx context.Context, mod api.Module, stack []uint64) {
	address := abi.ReadString(mod, hostfuncs.Arg(stack, 0), hostfuncs.Arg(stack, 1))
	router := resource.Get(ctx, f.routers, resource.Handle(hostfuncs.Arg(stack, 2)))
	retptr := hostfuncs.Arg(stack, 3)

	factory := FactoryFrom(ctx)
	if factory == nil {
		f.boundary.Fail(ctx, mod, retptr, capabilities.NewError(capabilities.KindUnsupported,
			"serving is not available in this execution context"))
		return
	}

	inst, err := f.resolver.Open(ctx, address)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}

	srv, err := Serve(ctx, inst.Backend, router, factory, f.boundary.Scrub)
	if err != nil {
		inst.Close()
		f.boundary.Fail(ctx, mod, retptr, capabilities.Wrap(capabilities.KindIO, err, "serve %s", address))
		return
	}

	f.mu.Lock()
	f.active[srv] = struct{}{}
	f.mu.Unlock()

	h := resource.Insert(ctx, f.servers, &Running{Server: srv, inst: inst}, f.release)
	abi.WriteHandle(mod, retptr, uint32(h))
}

// stop(server, retptr) -> result<_>
func (f *Facade) stop(ctx context.Context, mod api.Module, stack []uint64) {
	r := resource.Get(ctx, f.servers, resource.Handle(hostfuncs.Arg(stack, 0)))
	retptr := hostfuncs.Arg(stack, 1)

	if servingFrom(ctx) == r.Server {
		// A handler stopping its own server would wait on itself.
		go f.stopDetached(r)
		abi.WriteUnit(mod, retptr)
		return
	}

	err := r.Stop(ctx)
	f.forget(r.Server)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, capabilities.Wrap(capabilities.KindTimeout, err, "stop server"))
		return
	}
	abi.WriteUnit(mod, retptr)
}

// drop_router(router)
func (f *Facade) dropRouter(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.routers, resource.Handle(hostfuncs.Arg(stack, 0)), nil)
}

// drop_server(server) stops the server if it is still running.
func (f *Facade) dropServer(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.servers, resource.Handle(hostfuncs.Arg(stack, 0)), f.release)
}
