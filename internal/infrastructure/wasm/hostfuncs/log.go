package hostfuncs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/abi"
	"github.com/reglet-dev/caphost/wireformat"
	"github.com/tetratelabs/wazero/api"
)

// AmbientModule is the host module every guest may import from regardless
// of the capabilities it declares.
const AmbientModule = "caphost"

// Ambient provides log_message.
type Ambient struct {
	boundary *Boundary
}

// NewAmbient creates the ambient host module.
func NewAmbient(boundary *Boundary) *Ambient {
	return &Ambient{boundary: boundary}
}

// ModuleName implements Module.
func (a *Ambient) ModuleName() string { return AmbientModule }

// Functions implements Module.
func (a *Ambient) Functions() []Func {
	return []Func{
		{Name: "log_message", Params: I32s(2), Handler: a.LogMessage},
	}
}

// LogMessage implements `log_message(ptr, len)`. The buffer holds a
// JSON-encoded LogMessageWire. Nothing is returned to the guest.
func (a *Ambient) LogMessage(ctx context.Context, mod api.Module, stack []uint64) {
	raw := abi.Read(mod, Arg(stack, 0), Arg(stack, 1))

	var logMsg wireformat.LogMessageWire
	if err := json.Unmarshal(raw, &logMsg); err != nil {
		slog.ErrorContext(ctx, "hostfuncs: failed to unmarshal log message", "error", err)
		return
	}

	attrs := convertLogAttrs(logMsg.Attrs)
	if info, ok := GuestFromContext(ctx); ok {
		attrs = append(attrs, slog.String("guest", info.Module))
		if info.RequestID != "" {
			attrs = append(attrs, slog.String("request_id", info.RequestID))
		}
	}
	if logMsg.Context.RequestID != "" {
		attrs = append(attrs, slog.String("guest_request_id", logMsg.Context.RequestID))
	}

	slog.LogAttrs(ctx, parseLogLevel(logMsg.Level), a.boundary.Scrub(logMsg.Message), attrs...)
}

// parseLogLevel converts a string level to slog.Level.
func parseLogLevel(levelStr string) slog.Level {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		slog.Warn("hostfuncs: unknown log level from guest", "level", levelStr)
	}
	return level
}

func convertLogAttrs(wireAttrs []wireformat.LogAttrWire) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(wireAttrs)+2)
	for _, attr := range wireAttrs {
		attrs = append(attrs, convertSingleAttr(attr))
	}
	return attrs
}

func convertSingleAttr(attr wireformat.LogAttrWire) slog.Attr {
	switch attr.Type {
	case "string":
		return slog.String(attr.Key, attr.Value)
	case "int64":
		if v, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
			return slog.Int64(attr.Key, v)
		}
	case "bool":
		if v, err := strconv.ParseBool(attr.Value); err == nil {
			return slog.Bool(attr.Key, v)
		}
	case "float64":
		if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
			return slog.Float64(attr.Key, v)
		}
	case "time":
		if v, err := time.Parse(time.RFC3339Nano, attr.Value); err == nil {
			return slog.Time(attr.Key, v)
		}
	case "error":
		return slog.Any(attr.Key, fmt.Errorf("%s", attr.Value))
	}
	return slog.Any(attr.Key, attr.Value)
}
