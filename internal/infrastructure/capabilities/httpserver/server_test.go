package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/reglet-dev/caphost/wireformat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFactory builds guests that answer through a Go function. invoke, when
// set, sees the context the guest was invoked with.
type fakeFactory struct {
	handle func(export string, req wireformat.HTTPRequestWire) (wireformat.HTTPResponseWire, error)
	invoke func(ctx context.Context, export string) (wireformat.HTTPResponseWire, error)
	built  atomic.Int32
	closed atomic.Int32
}

func (f *fakeFactory) Build(context.Context, string) (Guest, error) {
	f.built.Add(1)
	return &fakeGuest{factory: f}, nil
}

type fakeGuest struct {
	factory *fakeFactory
}

func (g *fakeGuest) Invoke(ctx context.Context, export string, payload []byte) ([]byte, error) {
	var req wireformat.HTTPRequestWire
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	var resp wireformat.HTTPResponseWire
	var err error
	if g.factory.invoke != nil {
		resp, err = g.factory.invoke(ctx, export)
	} else {
		resp, err = g.factory.handle(export, req)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func (g *fakeGuest) Close(context.Context) error {
	g.factory.closed.Add(1)
	return nil
}

func freeAddress(t *testing.T) string {
	t.Helper()
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func startServer(t *testing.T, router *Router, factory GuestFactory) *Server {
	t.Helper()
	return startServerWithTimeout(t, router, factory, 5*time.Second)
}

func startServerWithTimeout(t *testing.T, router *Router, factory GuestFactory, shutdown time.Duration) *Server {
	t.Helper()
	s, err := Serve(context.Background(), &Endpoint{
		Address:           freeAddress(t),
		ShutdownTimeout:   shutdown,
		ReadHeaderTimeout: 5 * time.Second,
		MaxBodyBytes:      1 << 10,
	}, router, factory, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestServer_RoutesToHandler(t *testing.T) {
	var calls atomic.Int32
	factory := &fakeFactory{handle: func(export string, req wireformat.HTTPRequestWire) (wireformat.HTTPResponseWire, error) {
		calls.Add(1)
		assert.Equal(t, "handler_hello", export)
		assert.Equal(t, "GET", req.Method)
		assert.Equal(t, "/hello", req.Path)
		assert.Equal(t, "lang=en", req.Query)
		assert.NotEmpty(t, req.RequestID)
		return wireformat.HTTPResponseWire{
			StatusCode: http.StatusAccepted,
			Headers:    map[string][]string{"X-Greeting": {"hi"}},
			Body:       []byte("hello world"),
		}, nil
	}}

	router := NewRouter()
	require.NoError(t, router.Add("GET", "/hello", "handler_hello"))
	s := startServer(t, router, factory)

	resp, err := http.Get("http://" + s.Addr() + "/hello?lang=en")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "hi", resp.Header.Get("X-Greeting"))
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), factory.built.Load())
	assert.Equal(t, int32(1), factory.closed.Load())
}

func TestServer_UnmatchedIs404WithoutGuest(t *testing.T) {
	factory := &fakeFactory{handle: func(string, wireformat.HTTPRequestWire) (wireformat.HTTPResponseWire, error) {
		t.Error("handler must not run")
		return wireformat.HTTPResponseWire{}, nil
	}}
	router := NewRouter()
	require.NoError(t, router.Add("GET", "/hello", "handler_hello"))
	s := startServer(t, router, factory)

	resp, err := http.Get("http://" + s.Addr() + "/missing")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(0), factory.built.Load())
}

func TestServer_FreshGuestPerRequest(t *testing.T) {
	factory := &fakeFactory{handle: func(_ string, req wireformat.HTTPRequestWire) (wireformat.HTTPResponseWire, error) {
		return wireformat.HTTPResponseWire{Body: []byte(req.Params["name"])}, nil
	}}
	router := NewRouter()
	require.NoError(t, router.Add("GET", "/greet/:name", "greet"))
	s := startServer(t, router, factory)

	for _, name := range []string{"ada", "linus", "grace"} {
		resp, err := http.Get("http://" + s.Addr() + "/greet/" + name)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "zero status defaults to 200")
		assert.Equal(t, name, string(body))
	}
	assert.Equal(t, int32(3), factory.built.Load())
	assert.Equal(t, int32(3), factory.closed.Load())
}

func TestServer_HandlerFailureIs500(t *testing.T) {
	factory := &fakeFactory{handle: func(string, wireformat.HTTPRequestWire) (wireformat.HTTPResponseWire, error) {
		return wireformat.HTTPResponseWire{}, errors.New("wasm trap: unreachable")
	}}
	router := NewRouter()
	require.NoError(t, router.Add("*", "/*", "boom"))
	s := startServer(t, router, factory)

	resp, err := http.Post("http://"+s.Addr()+"/x", "text/plain", strings.NewReader("body"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "unreachable")
	assert.Equal(t, int32(1), factory.closed.Load())
}

func TestServer_BodyLimit(t *testing.T) {
	factory := &fakeFactory{handle: func(string, wireformat.HTTPRequestWire) (wireformat.HTTPResponseWire, error) {
		return wireformat.HTTPResponseWire{}, nil
	}}
	router := NewRouter()
	require.NoError(t, router.Add("POST", "/upload", "upload"))
	s := startServer(t, router, factory)

	resp, err := http.Post("http://"+s.Addr()+"/upload", "application/octet-stream", strings.NewReader(strings.Repeat("x", 2<<10)))
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, int32(0), factory.built.Load())
}

func TestServer_GracefulStop(t *testing.T) {
	entered := make(chan struct{})
	finish := make(chan struct{})
	factory := &fakeFactory{handle: func(string, wireformat.HTTPRequestWire) (wireformat.HTTPResponseWire, error) {
		close(entered)
		<-finish
		return wireformat.HTTPResponseWire{Body: []byte("done")}, nil
	}}
	router := NewRouter()
	require.NoError(t, router.Add("GET", "/slow", "slow"))
	s := startServer(t, router, factory)

	var wg sync.WaitGroup
	var status int
	var body string
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := http.Get("http://" + s.Addr() + "/slow")
		if err != nil {
			return
		}
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		status, body = resp.StatusCode, string(b)
	}()
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("stop returned while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(finish)
	require.NoError(t, <-stopped)
	wg.Wait()

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "done", body)

	select {
	case <-s.Done():
	default:
		t.Fatal("server not done after stop")
	}

	_, err := http.Get("http://" + s.Addr() + "/slow")
	assert.Error(t, err, "listener closed after stop")
}

func TestServer_StopWaitsPastShutdownTimeout(t *testing.T) {
	entered := make(chan struct{})
	finish := make(chan struct{})
	var invokeErr error
	factory := &fakeFactory{invoke: func(ctx context.Context, _ string) (wireformat.HTTPResponseWire, error) {
		close(entered)
		<-finish
		invokeErr = ctx.Err()
		return wireformat.HTTPResponseWire{Body: []byte("late but whole")}, nil
	}}
	router := NewRouter()
	require.NoError(t, router.Add("GET", "/slow", "slow"))
	s := startServerWithTimeout(t, router, factory, 20*time.Millisecond)

	type reply struct {
		status int
		body   string
		err    error
	}
	replies := make(chan reply, 1)
	go func() {
		resp, err := http.Get("http://" + s.Addr() + "/slow")
		if err != nil {
			replies <- reply{err: err}
			return
		}
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		replies <- reply{status: resp.StatusCode, body: string(b)}
	}()
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("stop returned before the in-flight handler finished")
	case <-time.After(200 * time.Millisecond):
	}

	close(finish)
	require.NoError(t, <-stopped)

	r := <-replies
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "late but whole", r.body)
	assert.NoError(t, invokeErr, "handler context must not be cancelled by stop")
}

func TestServer_StopHonorsCallerContext(t *testing.T) {
	entered := make(chan struct{})
	finish := make(chan struct{})
	factory := &fakeFactory{handle: func(string, wireformat.HTTPRequestWire) (wireformat.HTTPResponseWire, error) {
		close(entered)
		<-finish
		return wireformat.HTTPResponseWire{}, nil
	}}
	router := NewRouter()
	require.NoError(t, router.Add("GET", "/slow", "slow"))
	s := startServerWithTimeout(t, router, factory, 20*time.Millisecond)
	defer close(finish)

	go func() {
		if resp, err := http.Get("http://" + s.Addr() + "/slow"); err == nil {
			_ = resp.Body.Close()
		}
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
