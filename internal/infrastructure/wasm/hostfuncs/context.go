package hostfuncs

import "context"

// Guest execution context kinds.
const (
	ContextMain  = "main"
	ContextHTTP  = "http"
	ContextEvent = "event"
)

// GuestInfo identifies the guest execution context a host call came from.
type GuestInfo struct {
	Module    string
	Kind      string
	RequestID string
}

type contextKey struct {
	name string
}

var guestInfoKey = &contextKey{name: "guest_info"}

// WithGuest adds guest information to the context.
func WithGuest(ctx context.Context, info GuestInfo) context.Context {
	return context.WithValue(ctx, guestInfoKey, info)
}

// GuestFromContext retrieves guest information from the context.
func GuestFromContext(ctx context.Context) (GuestInfo, bool) {
	info, ok := ctx.Value(guestInfoKey).(GuestInfo)
	return info, ok
}
