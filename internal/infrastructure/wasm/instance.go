package wasm

import (
	"context"
	"errors"
	"sync"

	apperrors "github.com/reglet-dev/caphost/internal/application/errors"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/events"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/httpserver"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/abi"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Instance is one guest execution context: a module instance plus every
// handle it opened.
type Instance struct {
	mod    api.Module
	module *Module
	scope  *resource.Scope
	hub    *events.Hub
	info   hostfuncs.GuestInfo
	once   sync.Once
}

// Info identifies the execution context.
func (i *Instance) Info() hostfuncs.GuestInfo {
	return i.info
}

// Scope returns the handle scope of the execution context.
func (i *Instance) Scope() *resource.Scope {
	return i.scope
}

// bind attaches the execution context to ctx so host functions can find
// the caller's scope, event hub and module.
func (i *Instance) bind(ctx context.Context) context.Context {
	ctx = resource.WithScope(ctx, i.scope)
	ctx = events.WithHub(ctx, i.hub)
	ctx = hostfuncs.WithGuest(ctx, i.info)
	return httpserver.WithFactory(ctx, i.module)
}

// Start runs the guest's _start export. A WASI exit with status 0 is a
// normal return.
func (i *Instance) Start(ctx context.Context) error {
	fn := i.mod.ExportedFunction(StartExport)
	if fn == nil {
		return apperrors.NewExecutionError(StartExport, "guest module "+i.module.name+" does not export it", nil)
	}
	if _, err := fn.Call(i.bind(ctx)); err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			return nil
		}
		return callError(StartExport, err)
	}
	return nil
}

// Invoke calls a handler export with payload copied into guest memory and
// returns the bytes the handler hands back as a packed (ptr, len).
func (i *Instance) Invoke(ctx context.Context, export string, payload []byte) (out []byte, err error) {
	fn := i.mod.ExportedFunction(export)
	if fn == nil {
		return nil, apperrors.NewExecutionError(export, "guest module "+i.module.name+" does not export it", nil)
	}

	ctx = i.bind(ctx)
	defer recoverFault(export, &err)

	ptr, length := abi.Write(ctx, i.mod, payload)
	results, err := fn.Call(ctx, uint64(ptr), uint64(length))
	if err != nil {
		return nil, callError(export, err)
	}
	if len(results) == 0 {
		return nil, apperrors.NewExecutionError(export, "handler returned no results", nil)
	}

	resPtr, resLen := abi.Unpack(results[0])
	if resPtr == 0 && resLen == 0 {
		return nil, apperrors.NewExecutionError(export, "handler returned null pointer or zero length", nil)
	}
	return abi.Read(i.mod, resPtr, resLen), nil
}

// Close releases every handle the context still owns, stops its event hub
// and closes the module instance.
func (i *Instance) Close(ctx context.Context) error {
	var err error
	i.once.Do(func() {
		i.teardown()
		if i.mod != nil {
			err = i.mod.Close(ctx)
		}
	})
	return err
}

func (i *Instance) teardown() {
	i.hub.Close()
	i.scope.Close()
}

// callError keeps configuration errors recognizable so the run aborts with
// them, and wraps everything else as an execution failure.
func callError(export string, err error) error {
	var cfgErr *apperrors.ConfigurationError
	if errors.As(err, &cfgErr) {
		return cfgErr
	}
	var fault *resource.Fault
	if errors.As(err, &fault) {
		return apperrors.NewExecutionError(export, "guest trapped", fault)
	}
	return apperrors.NewExecutionError(export, "guest trapped", err)
}

func recoverFault(export string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	if fault, ok := r.(*resource.Fault); ok {
		*err = apperrors.NewExecutionError(export, "boundary fault", fault)
		return
	}
	panic(r)
}
