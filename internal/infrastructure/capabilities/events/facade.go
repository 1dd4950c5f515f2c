package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/abi"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/tetratelabs/wazero/api"
)

// ModuleName is the host module guests import the event loop from.
const ModuleName = "events"

// HandlerExport is the guest export invoked once per event.
const HandlerExport = "handle_event"

// Facade implements the events host module.
type Facade struct {
	boundary *hostfuncs.Boundary
}

// NewFacade creates the events facade.
func NewFacade(boundary *hostfuncs.Boundary) *Facade {
	return &Facade{boundary: boundary}
}

// ModuleName implements hostfuncs.Module.
func (f *Facade) ModuleName() string { return ModuleName }

// Functions implements hostfuncs.Module.
func (f *Facade) Functions() []hostfuncs.Func {
	return []hostfuncs.Func{
		{Name: "exec", Params: hostfuncs.I32s(2), Handler: f.exec},
	}
}

// exec(timeout_ms, retptr) -> result<u64>
func (f *Facade) exec(ctx context.Context, mod api.Module, stack []uint64) {
	timeout := time.Duration(hostfuncs.Arg(stack, 0)) * time.Millisecond
	retptr := hostfuncs.Arg(stack, 1)

	hub := HubFrom(ctx)
	if hub == nil {
		f.boundary.Fail(ctx, mod, retptr, capabilities.NewError(capabilities.KindUnsupported,
			"no observables in this execution context"))
		return
	}

	handler := mod.ExportedFunction(HandlerExport)
	if handler == nil {
		f.boundary.Fail(ctx, mod, retptr, capabilities.NewError(capabilities.KindUnsupported,
			"guest does not export %s", HandlerExport))
		return
	}

	var dispatched uint64
	for _, ev := range hub.Collect(ctx, timeout) {
		payload, err := json.Marshal(ev)
		if err != nil {
			f.boundary.Fail(ctx, mod, retptr, err)
			return
		}
		ptr, length := abi.Write(ctx, mod, payload)
		results, err := handler.Call(ctx, uint64(ptr), uint64(length))
		if err != nil {
			panic(&resource.Fault{Reason: HandlerExport + " trapped: " + err.Error()})
		}
		if len(results) > 0 && api.DecodeI32(results[0]) != 0 {
			slog.WarnContext(ctx, "guest event handler reported failure",
				"source", ev.Source, "key", ev.Key, "code", api.DecodeI32(results[0]))
		}
		dispatched++
	}

	abi.WriteU64(mod, retptr, dispatched)
}
