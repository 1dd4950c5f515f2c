package httpserver

import "context"

// Guest is one guest execution context built for a single request.
type Guest interface {
	// Invoke calls a handler export with a request payload and returns the
	// response payload.
	Invoke(ctx context.Context, export string, payload []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// GuestFactory builds a fresh guest execution context from the compiled
// module that registered the routes.
type GuestFactory interface {
	Build(ctx context.Context, requestID string) (Guest, error)
}

type factoryKey struct{}

// WithFactory attaches the factory of the calling guest's module to ctx.
func WithFactory(ctx context.Context, f GuestFactory) context.Context {
	return context.WithValue(ctx, factoryKey{}, f)
}

// FactoryFrom returns the factory attached to ctx, or nil.
func FactoryFrom(ctx context.Context) GuestFactory {
	f, _ := ctx.Value(factoryKey{}).(GuestFactory)
	return f
}

type serverKey struct{}

func withServer(ctx context.Context, s *Server) context.Context {
	return context.WithValue(ctx, serverKey{}, s)
}

// servingFrom returns the server dispatching the request ctx belongs to, or
// nil outside a request.
func servingFrom(ctx context.Context) *Server {
	s, _ := ctx.Value(serverKey{}).(*Server)
	return s
}
