package resource

import (
	"context"
	"sync"
)

// Scope tracks the handles created by one guest execution context so that
// tearing the context down releases everything the guest never dropped.
// A handle may only be used from the scope that created it or from one of
// that scope's children.
type Scope struct {
	parent *Scope
	owned  map[scopeKey]int
	order  []scopeEntry
	mu     sync.Mutex
	closed bool
}

type scopeKey struct {
	table  any
	handle Handle
}

type scopeEntry struct {
	release func()
	key     scopeKey
	live    bool
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return NewChildScope(nil)
}

// NewChildScope creates an empty scope that may also use the handles of
// parent and its ancestors. A nil parent yields a root scope.
func NewChildScope(parent *Scope) *Scope {
	return &Scope{parent: parent, owned: make(map[scopeKey]int)}
}

// reaches reports whether s may use a handle owned by owner. Handles
// inserted without a scope are usable from anywhere.
func (s *Scope) reaches(owner *Scope) bool {
	if owner == nil {
		return true
	}
	for c := s; c != nil; c = c.parent {
		if c == owner {
			return true
		}
	}
	return false
}

func (s *Scope) own(table any, h Handle, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Context already torn down; release immediately.
		defer release()
		return
	}
	key := scopeKey{table: table, handle: h}
	s.owned[key] = len(s.order)
	s.order = append(s.order, scopeEntry{key: key, release: release, live: true})
}

func (s *Scope) disown(table any, h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeKey{table: table, handle: h}
	if idx, ok := s.owned[key]; ok {
		s.order[idx].live = false
		delete(s.owned, key)
	}
}

// Len returns the number of handles still owned by the scope.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owned)
}

// Close releases every owned handle in reverse creation order.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	entries := s.order
	s.order = nil
	s.owned = nil
	s.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].live {
			entries[i].release()
		}
	}
}

type scopeContextKey struct{}

// WithScope attaches a scope to the context passed into guest calls.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, s)
}

// ScopeFrom returns the scope attached to ctx, or nil.
func ScopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeContextKey{}).(*Scope)
	return s
}

// Insert stores v in t and, if ctx carries a scope, makes that scope the
// owner and registers release to run when it closes.
func Insert[T any](ctx context.Context, t *Table[T], v T, release func(T)) Handle {
	s := ScopeFrom(ctx)
	h, gen := t.insert(v, s)
	if s != nil {
		s.own(t, h, func() {
			if val, ok := t.takeGen(h, gen, true); ok && release != nil {
				release(val)
			}
		})
	}
	return h
}

// Get returns the value behind h. A handle that is not live, or that belongs
// to a scope the caller cannot reach, faults.
func Get[T any](ctx context.Context, t *Table[T], h Handle) T {
	v, fault := t.access(h, ScopeFrom(ctx), false)
	if fault != nil {
		panic(fault)
	}
	return v
}

// Drop removes h from t, forgets it in the owning scope and runs release.
// It faults like Get.
func Drop[T any](ctx context.Context, t *Table[T], h Handle, release func(T)) {
	caller := ScopeFrom(ctx)
	v, fault := t.access(h, caller, true)
	if fault != nil {
		panic(fault)
	}
	for c := caller; c != nil; c = c.parent {
		c.disown(t, h)
	}
	if release != nil {
		release(v)
	}
}
