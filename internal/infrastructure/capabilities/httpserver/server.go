// Package httpserver implements the HTTP server capability. Guests build a
// router of method/path routes naming handler exports, then serve it; every
// matched request runs in a brand-new guest execution context.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/wireformat"
	"golang.org/x/sync/errgroup"
)

// RequestIDHeader carries a caller-supplied request id.
const RequestIDHeader = "X-Request-Id"

// Endpoint is the resolved declaration for one serve address.
type Endpoint struct {
	Address           string
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	MaxBodyBytes      int64
}

// Factories returns the single built-in backend. The declaration name is
// the address guests pass to serve; config "address" overrides the bind
// address.
func Factories() map[string]services.Factory[*Endpoint] {
	return map[string]services.Factory[*Endpoint]{
		"": NewEndpoint,
	}
}

// NewEndpoint reads listener settings from a declaration.
func NewEndpoint(_ context.Context, cfg *capabilities.InstanceConfig) (*Endpoint, error) {
	shutdown, err := cfg.Duration("shutdown_timeout", 10*time.Second)
	if err != nil {
		return nil, err
	}
	readHeader, err := cfg.Duration("read_header_timeout", 10*time.Second)
	if err != nil {
		return nil, err
	}
	maxBody, err := cfg.Int("max_body_bytes", 10<<20)
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		Address:           cfg.Get("address", cfg.Name),
		ShutdownTimeout:   shutdown,
		ReadHeaderTimeout: readHeader,
		MaxBodyBytes:      int64(maxBody),
	}, nil
}

// Server is a running listener dispatching to guest handlers.
type Server struct {
	srv      *http.Server
	ln       net.Listener
	group    *errgroup.Group
	done     chan struct{}
	inflight *inflight
	timeout  time.Duration
	stopOnce sync.Once
	stopErr  error
}

// Serve binds the endpoint address synchronously and serves router in the
// background. Request contexts are built as children of the handle scope
// carried by ctx, so handlers can use the handles of the serving context.
func Serve(ctx context.Context, endpoint *Endpoint, router *Router, factory GuestFactory, scrub func(string) string) (*Server, error) {
	ln, err := net.Listen("tcp", endpoint.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", endpoint.Address, err)
	}

	s := &Server{
		ln:       ln,
		group:    &errgroup.Group{},
		done:     make(chan struct{}),
		inflight: &inflight{},
		timeout:  endpoint.ShutdownTimeout,
	}
	s.srv = &http.Server{
		Handler: &dispatcher{
			router:  router,
			factory: factory,
			scrub:   scrub,
			maxBody: endpoint.MaxBodyBytes,
			scope:   resource.ScopeFrom(ctx),
			server:  s,
		},
		ReadHeaderTimeout: endpoint.ReadHeaderTimeout,
	}

	s.group.Go(func() error {
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	go func() {
		if err := s.group.Wait(); err != nil {
			slog.Error("http server stopped", "address", s.Addr(), "error", err)
		}
		close(s.done)
	}()

	slog.Info("http server listening", "address", s.Addr(), "routes", router.Len())
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Done is closed once the server has stopped accepting connections.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Stop stops accepting connections and waits until every dispatched request
// has delivered its response. Handlers still running after the endpoint's
// shutdown timeout are logged and waited for, never cut off; only ctx ends
// the wait early. Stopping twice is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		if err := s.srv.Shutdown(shutdownCtx); err != nil && ctx.Err() == nil {
			slog.Warn("http server still has requests in flight",
				"address", s.Addr(), "shutdown_timeout", s.timeout, "in_flight", s.inflight.count())
		}
		select {
		case <-s.inflight.idle():
		case <-ctx.Done():
			s.stopErr = fmt.Errorf("stop %s: %w", s.Addr(), ctx.Err())
		}
		<-s.done
		slog.Info("http server stopped", "address", s.Addr())
	})
	return s.stopErr
}

// inflight counts requests between dispatch and response.
type inflight struct {
	mu      sync.Mutex
	n       int
	drained chan struct{}
}

func (f *inflight) begin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.drained = make(chan struct{})
	}
	f.n++
}

func (f *inflight) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.drained)
	}
}

func (f *inflight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// idle returns a channel that is closed once no request is in flight.
func (f *inflight) idle() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return f.drained
}

type dispatcher struct {
	router  *Router
	factory GuestFactory
	scrub   func(string) string
	scope   *resource.Scope
	server  *Server
	maxBody int64
}

func (d *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.server.inflight.begin()
	defer d.server.inflight.end()

	route, params, ok := d.router.Match(r.Method, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := slog.With("request_id", requestID, "method", r.Method, "path", r.URL.Path, "handler", route.Handler)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(wireformat.HTTPRequestWire{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		Params:     params,
		Headers:    r.Header,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Body:       body,
	})
	if err != nil {
		d.fail(w, log, "failed to encode request", err)
		return
	}

	ctx := withServer(r.Context(), d.server)
	if d.scope != nil {
		ctx = resource.WithScope(ctx, d.scope)
	}
	guest, err := d.factory.Build(ctx, requestID)
	if err != nil {
		d.fail(w, log, "failed to build guest", err)
		return
	}
	defer func() {
		if err := guest.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to close guest", "error", err)
		}
	}()

	out, err := guest.Invoke(ctx, route.Handler, payload)
	if err != nil {
		d.fail(w, log, "handler failed", err)
		return
	}

	var resp wireformat.HTTPResponseWire
	if err := json.Unmarshal(out, &resp); err != nil {
		d.fail(w, log, "handler returned an invalid response", err)
		return
	}

	for name, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(resp.Body); err != nil {
		log.Debug("failed to write response body", "error", err)
	}
	log.Debug("request handled", "status", status)
}

func (d *dispatcher) fail(w http.ResponseWriter, log *slog.Logger, msg string, err error) {
	desc := err.Error()
	if d.scrub != nil {
		desc = d.scrub(desc)
	}
	log.Error(msg, "error", desc)
	http.Error(w, msg+": "+desc, http.StatusInternalServerError)
}
