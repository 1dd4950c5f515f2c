package hostfuncs

import (
	"context"
	"errors"
	"log/slog"

	apperrors "github.com/reglet-dev/caphost/internal/application/errors"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/abi"
	"github.com/tetratelabs/wazero/api"
)

// Scrubber removes sensitive values from text before it reaches the guest.
type Scrubber interface {
	ScrubString(input string) string
}

// Boundary converts host-side failures into what the guest is allowed to see.
type Boundary struct {
	scrubber Scrubber
}

// NewBoundary creates a boundary. A nil scrubber passes descriptions through.
func NewBoundary(scrubber Scrubber) *Boundary {
	return &Boundary{scrubber: scrubber}
}

// Fail reports err to the guest through the error union at retptr.
// Configuration errors are not guest-visible: they trap the call and abort
// the run.
func (b *Boundary) Fail(ctx context.Context, mod api.Module, retptr uint32, err error) {
	var cfgErr *apperrors.ConfigurationError
	if errors.As(err, &cfgErr) {
		slog.ErrorContext(ctx, "configuration error at guest boundary", "error", err)
		panic(cfgErr)
	}

	capErr := capabilities.ErrorFrom(err)
	slog.WarnContext(ctx, "capability operation failed",
		"kind", capErr.Kind.String(),
		"error", b.Scrub(err.Error()))

	abi.WriteError(ctx, mod, retptr, uint8(capErr.Kind), b.Scrub(capErr.Description()))
}

// Scrub redacts sensitive values in s.
func (b *Boundary) Scrub(s string) string {
	if b == nil || b.scrubber == nil {
		return s
	}
	return b.scrubber.ScrubString(s)
}
