package httpserver

import (
	"fmt"
	"strings"
	"sync"
)

// AnyMethod matches every request method.
const AnyMethod = "*"

// Route maps a method and path pattern to a guest handler export.
type Route struct {
	Method   string
	Pattern  string
	Handler  string
	segments []string
}

// Router is an ordered route table. The first matching route wins.
type Router struct {
	routes []Route
	mu     sync.RWMutex
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Add appends a route. Patterns start with "/"; a ":name" segment captures
// one path segment and a final "*" captures the remainder.
func (r *Router) Add(method, pattern, handler string) error {
	if handler == "" {
		return fmt.Errorf("route %s %s: empty handler", method, pattern)
	}
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("route pattern %q must start with /", pattern)
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = AnyMethod
	}

	segments := split(pattern)
	for i, seg := range segments {
		if seg == "*" && i != len(segments)-1 {
			return fmt.Errorf("route pattern %q: * is only allowed as the last segment", pattern)
		}
		if seg == ":" {
			return fmt.Errorf("route pattern %q: unnamed parameter", pattern)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, Route{Method: method, Pattern: pattern, Handler: handler, segments: segments})
	return nil
}

// Len returns the number of routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Match finds the route for a request. Captured ":name" values and the
// "*" remainder are returned as params.
func (r *Router) Match(method, path string) (Route, map[string]string, bool) {
	parts := split(path)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, route := range r.routes {
		if route.Method != AnyMethod && route.Method != method {
			continue
		}
		if params, ok := route.match(parts); ok {
			return route, params, true
		}
	}
	return Route{}, nil, false
}

func (route Route) match(parts []string) (map[string]string, bool) {
	params := map[string]string{}
	for i, seg := range route.segments {
		if seg == "*" {
			params["*"] = strings.Join(parts[i:], "/")
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch {
		case strings.HasPrefix(seg, ":"):
			params[seg[1:]] = parts[i]
		case seg != parts[i]:
			return nil, false
		}
	}
	if len(parts) != len(route.segments) {
		return nil, false
	}
	return params, true
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
