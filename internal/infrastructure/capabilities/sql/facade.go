package sql

import (
	"context"
	"encoding/json"

	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/abi"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/tetratelabs/wazero/api"
)

// Instance is an opened database as seen through a guest handle.
type Instance = services.Instance[Database]

// Facade exposes databases to guests as the "sql" host module.
type Facade struct {
	resolver  *services.Resolver[Database]
	databases *resource.Table[*Instance]
	boundary  *hostfuncs.Boundary
}

// NewFacade creates the SQL facade.
func NewFacade(resolver *services.Resolver[Database], boundary *hostfuncs.Boundary) *Facade {
	return &Facade{
		resolver:  resolver,
		databases: resource.NewTable[*Instance]("sql"),
		boundary:  boundary,
	}
}

// ModuleName implements hostfuncs.Module.
func (f *Facade) ModuleName() string { return string(capabilities.TypeSQL) }

// Functions implements hostfuncs.Module.
func (f *Facade) Functions() []hostfuncs.Func {
	return []hostfuncs.Func{
		{Name: "open", Params: hostfuncs.I32s(3), Handler: f.open},
		{Name: "query", Params: hostfuncs.I32s(4), Handler: f.query},
		{Name: "exec", Params: hostfuncs.I32s(4), Handler: f.exec},
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
	h := resource.Insert(ctx, f.databases, inst, closeInstance)
	abi.WriteHandle(mod, retptr, uint32(h))
}

// query(handle, stmt_ptr, stmt_len, retptr) -> result<bytes> (JSON SQLRowSetWire)
func (f *Facade) query(ctx context.Context, mod api.Module, stack []uint64) {
	db := resource.Get(ctx, f.databases, resource.Handle(hostfuncs.Arg(stack, 0))).Backend
	raw := abi.Read(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	stmt, err := DecodeStatement(raw)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	rows, err := db.Query(ctx, stmt)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	data, err := json.Marshal(rows)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, capabilities.Wrap(capabilities.KindUnexpected, err, "encode rows"))
		return
	}
	abi.WriteBytes(ctx, mod, retptr, data)
}

// exec(handle, stmt_ptr, stmt_len, retptr) -> result<u64>
func (f *Facade) exec(ctx context.Context, mod api.Module, stack []uint64) {
	db := resource.Get(ctx, f.databases, resource.Handle(hostfuncs.Arg(stack, 0))).Backend
	raw := abi.Read(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	stmt, err := DecodeStatement(raw)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	n, err := db.Exec(ctx, stmt)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteU64(mod, retptr, n)
}

// drop(handle)
func (f *Facade) drop(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.databases, resource.Handle(hostfuncs.Arg(stack, 0)), closeInstance)
}
