package httpserver

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/wasmtest"
	"github.com/reglet-dev/caphost/wireformat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
)

const retptr = 1024

type harness struct {
	t      *testing.T
	facade *Facade
	mod    api.Module
	ctx    context.Context
}

func newHarness(t *testing.T, decls ...capabilities.Declaration) *harness {
	t.Helper()
	if len(decls) == 0 {
		decls = []capabilities.Declaration{{Resource: "http-server", Name: capabilities.Wildcard}}
	}
	store, err := services.NewCapabilityStore(decls, "", nil)
	require.NoError(t, err)
	resolver := services.NewResolver(store, capabilities.TypeHTTPServer, Factories())
	t.Cleanup(func() { _ = resolver.Close() })

	factory := &fakeFactory{handle: func(export string, req wireformat.HTTPRequestWire) (wireformat.HTTPResponseWire, error) {
		return wireformat.HTTPResponseWire{StatusCode: http.StatusOK, Body: []byte(export + " " + req.Path)}, nil
	}}

	return &harness{
		t:      t,
		facade: NewFacade(resolver, hostfuncs.NewBoundary(nil)),
		mod:    wasmtest.Instantiate(t, wasmtest.New()),
		ctx:    WithFactory(context.Background(), factory),
	}
}

func (h *harness) ok() wasmtest.Result {
	h.t.Helper()
	res := wasmtest.ReadResult(h.mod, retptr)
	require.True(h.t, res.OK(), res.ErrMessage())
	return res
}

func (h *harness) router(routes ...[3]string) uint64 {
	h.facade.routerNew(h.ctx, h.mod, []uint64{retptr})
	router := uint64(h.ok().Handle())
	for _, r := range routes {
		mp, ml := wasmtest.PutString(h.t, h.mod, 0, r[0])
		pp, pl := wasmtest.PutString(h.t, h.mod, 128, r[1])
		hp, hl := wasmtest.PutString(h.t, h.mod, 256, r[2])
		h.facade.routerAdd(h.ctx, h.mod, []uint64{router, mp, ml, pp, pl, hp, hl, retptr})
		h.ok()
	}
	return router
}

func (h *harness) serve(address string, router uint64) wasmtest.Result {
	ap, al := wasmtest.PutString(h.t, h.mod, 512, address)
	h.facade.serve(h.ctx, h.mod, []uint64{ap, al, router, retptr})
	return wasmtest.ReadResult(h.mod, retptr)
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestFacade_ServeAndStop(t *testing.T) {
	h := newHarness(t)
	router := h.router([3]string{"GET", "/hello", "handle_hello"})
	addr := freeAddress(t)

	res := h.serve(addr, router)
	require.True(t, res.OK(), res.ErrMessage())
	server := uint64(res.Handle())
	assert.Equal(t, 1, h.facade.Active())

	status, body := get(t, "http://"+addr+"/hello")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "handle_hello /hello", body)

	status, _ = get(t, "http://"+addr+"/other")
	assert.Equal(t, http.StatusNotFound, status)

	h.facade.stop(h.ctx, h.mod, []uint64{server, retptr})
	h.ok()
	assert.Equal(t, 0, h.facade.Active())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.facade.Wait(ctx))

	h.facade.dropServer(h.ctx, h.mod, []uint64{server})
	wasmtest.AssertFault(t, func() {
		h.facade.stop(h.ctx, h.mod, []uint64{server, retptr})
	})
}

func TestFacade_RoutesAddedAfterServe(t *testing.T) {
	h := newHarness(t)
	router := h.router()
	addr := freeAddress(t)
	res := h.serve(addr, router)
	require.True(t, res.OK(), res.ErrMessage())
	t.Cleanup(func() { h.facade.dropServer(h.ctx, h.mod, []uint64{uint64(res.Handle())}) })

	status, _ := get(t, "http://"+addr+"/late")
	assert.Equal(t, http.StatusNotFound, status)

	mp, ml := wasmtest.PutString(t, h.mod, 0, "GET")
	pp, pl := wasmtest.PutString(t, h.mod, 128, "/late")
	hp, hl := wasmtest.PutString(t, h.mod, 256, "late")
	h.facade.routerAdd(h.ctx, h.mod, []uint64{router, mp, ml, pp, pl, hp, hl, retptr})
	h.ok()

	status, body := get(t, "http://"+addr+"/late")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "late /late", body)
}

func TestFacade_InvalidRoute(t *testing.T) {
	h := newHarness(t)
	router := h.router()

	mp, ml := wasmtest.PutString(t, h.mod, 0, "GET")
	pp, pl := wasmtest.PutString(t, h.mod, 128, "no-slash")
	hp, hl := wasmtest.PutString(t, h.mod, 256, "h")
	h.facade.routerAdd(h.ctx, h.mod, []uint64{router, mp, ml, pp, pl, hp, hl, retptr})

	res := wasmtest.ReadResult(h.mod, retptr)
	require.False(t, res.OK())
	assert.Equal(t, uint8(capabilities.KindUnexpected), res.ErrKind())
}

func TestFacade_UndeclaredAddressTraps(t *testing.T) {
	h := newHarness(t, capabilities.Declaration{Resource: "http-server", Name: "127.0.0.1:1"})
	router := h.router()
	ap, al := wasmtest.PutString(t, h.mod, 512, freeAddress(t))

	wasmtest.AssertConfigurationTrap(t, func() {
		h.facade.serve(h.ctx, h.mod, []uint64{ap, al, router, retptr})
	})
}

func TestFacade_DeclaredAddressOverride(t *testing.T) {
	addr := freeAddress(t)
	h := newHarness(t, capabilities.Declaration{
		Resource: "http-server", Name: "api", Config: map[string]string{"address": addr},
	})
	router := h.router([3]string{"*", "/*", "any"})

	res := h.serve("api", router)
	require.True(t, res.OK(), res.ErrMessage())
	t.Cleanup(func() { h.facade.dropServer(h.ctx, h.mod, []uint64{uint64(res.Handle())}) })

	status, body := get(t, "http://"+addr+"/x/y")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "any /x/y", body)
}

func TestFacade_ServeWithoutFactory(t *testing.T) {
	h := newHarness(t)
	h.ctx = context.Background()
	router := h.router()

	res := h.serve(freeAddress(t), router)
	require.False(t, res.OK())
	assert.Equal(t, uint8(capabilities.KindUnsupported), res.ErrKind())
}

func TestFacade_ScopeStopsServers(t *testing.T) {
	h := newHarness(t)
	scope := resource.NewScope()
	h.ctx = resource.WithScope(h.ctx, scope)

	router := h.router([3]string{"GET", "/", "index"})
	addr := freeAddress(t)
	require.True(t, h.serve(addr, router).OK())
	assert.Equal(t, 2, scope.Len())

	scope.Close()

	assert.Equal(t, 0, h.facade.Active())
	_, err := http.Get("http://" + addr + "/")
	assert.Error(t, err)
}

func TestFacade_HandlerStopsOwnServer(t *testing.T) {
	h := newHarness(t)
	h.ctx = resource.WithScope(h.ctx, resource.NewScope())
	requestMod := wasmtest.Instantiate(t, wasmtest.New())

	var server uint64
	stopped := make(chan wasmtest.Result, 1)
	factory := &fakeFactory{invoke: func(ctx context.Context, _ string) (wireformat.HTTPResponseWire, error) {
		h.facade.stop(ctx, requestMod, []uint64{server, retptr})
		stopped <- wasmtest.ReadResult(requestMod, retptr)
		return wireformat.HTTPResponseWire{Body: []byte("bye")}, nil
	}}
	h.ctx = WithFactory(h.ctx, factory)

	router := h.router([3]string{"POST", "/shutdown", "shutdown"})
	addr := freeAddress(t)
	res := h.serve(addr, router)
	require.True(t, res.OK(), res.ErrMessage())
	server = uint64(res.Handle())

	resp, err := http.Post("http://"+addr+"/shutdown", "text/plain", nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bye", string(body))

	select {
	case res := <-stopped:
		assert.True(t, res.OK(), res.ErrMessage())
	case <-time.After(time.Second):
		t.Fatal("stop called from the server's own handler did not return")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.facade.Wait(ctx))
	assert.Equal(t, 0, h.facade.Active())
}

func TestFacade_RequestScopeIsolation(t *testing.T) {
	h := newHarness(t)
	h.ctx = resource.WithScope(h.ctx, resource.NewScope())
	requestMod := wasmtest.Instantiate(t, wasmtest.New())
	mainRouter := h.router()

	var requestRouter uint64
	faults := make(chan bool, 1)
	factory := &fakeFactory{invoke: func(ctx context.Context, _ string) (wireformat.HTTPResponseWire, error) {
		// A request context reaches handles of the serving context.
		mp, ml := wasmtest.PutString(t, requestMod, 0, "GET")
		pp, pl := wasmtest.PutString(t, requestMod, 128, "/added")
		hp, hl := wasmtest.PutString(t, requestMod, 256, "added")
		h.facade.routerAdd(ctx, requestMod, []uint64{mainRouter, mp, ml, pp, pl, hp, hl, retptr})

		// Its own handles stay private to it.
		reqCtx := resource.WithScope(ctx, resource.NewChildScope(resource.ScopeFrom(ctx)))
		h.facade.routerNew(reqCtx, requestMod, []uint64{retptr})
		requestRouter = uint64(wasmtest.ReadResult(requestMod, retptr).Handle())
		faulted := func() (faulted bool) {
			defer func() { faulted = recover() != nil }()
			h.facade.dropRouter(h.ctx, h.mod, []uint64{requestRouter})
			return false
		}()
		faults <- faulted
		return wireformat.HTTPResponseWire{}, nil
	}}
	h.ctx = WithFactory(h.ctx, factory)

	serving := h.router([3]string{"GET", "/", "index"})
	addr := freeAddress(t)
	res := h.serve(addr, serving)
	require.True(t, res.OK(), res.ErrMessage())
	t.Cleanup(func() { h.facade.dropServer(h.ctx, h.mod, []uint64{uint64(res.Handle())}) })

	status, _ := get(t, "http://"+addr+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, <-faults, "the serving context must not drop a request's handle")

	router := resource.Get(h.ctx, h.facade.routers, resource.Handle(mainRouter))
	_, _, ok := router.Match("GET", "/added")
	assert.True(t, ok)
}
