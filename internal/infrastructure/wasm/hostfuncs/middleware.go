package hostfuncs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	apperrors "github.com/reglet-dev/caphost/internal/application/errors"
	"github.com/reglet-dev/caphost/internal/infrastructure/metrics"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/tetratelabs/wazero/api"
)

// RecoveryMiddleware logs panics raised inside host functions. Boundary
// faults and configuration errors propagate unchanged so wazero traps the
// guest call with them; any other panic is converted into a fault.
func RecoveryMiddleware() Middleware {
	return func(module string, fn Func, next api.GoModuleFunc) api.GoModuleFunc {
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if err, ok := r.(error); ok {
					var fault *resource.Fault
					var cfgErr *apperrors.ConfigurationError
					switch {
					case errors.As(err, &fault):
						slog.WarnContext(ctx, "guest boundary fault",
							"module", module, "function", fn.Name, "fault", fault.Error())
						panic(r)
					case errors.As(err, &cfgErr):
						panic(r)
					}
				}
				slog.ErrorContext(ctx, "host function panicked",
					"module", module, "function", fn.Name, "panic", r, "stack", string(debug.Stack()))
				panic(&resource.Fault{Reason: fmt.Sprintf("host function %s.%s panicked: %v", module, fn.Name, r)})
			}()
			next(ctx, mod, stack)
		}
	}
}

// LoggingMiddleware logs every host call at debug level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(module string, fn Func, next api.GoModuleFunc) api.GoModuleFunc {
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			if !logger.Enabled(ctx, slog.LevelDebug) {
				next(ctx, mod, stack)
				return
			}
			start := time.Now()
			attrs := []any{"module", module, "function", fn.Name}
			if info, ok := GuestFromContext(ctx); ok {
				attrs = append(attrs, "guest", info.Module, "context", info.Kind)
			}
			next(ctx, mod, stack)
			logger.DebugContext(ctx, "host call", append(attrs, "duration", time.Since(start))...)
		}
	}
}

// MetricsMiddleware counts and times host calls per function.
func MetricsMiddleware(m metrics.Metrics) Middleware {
	return func(module string, fn Func, next api.GoModuleFunc) api.GoModuleFunc {
		bucket := "hostcall." + module + "." + fn.Name
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			start := time.Now()
			defer func() {
				m.Incr(bucket)
				m.Duration(bucket, time.Since(start))
			}()
			next(ctx, mod, stack)
		}
	}
}
