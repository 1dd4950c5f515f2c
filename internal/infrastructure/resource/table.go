package resource

import "sync"

// Handle is the guest-visible reference to a table slot.
// Handles start at 1; 0 is never issued.
type Handle uint32

// Table maps handles to host values of a single kind.
// All methods are safe for concurrent use.
type Table[T any] struct {
	name     string
	entries  []slot[T]
	freeList []Handle
	live     int
	mu       sync.Mutex
}

type slot[T any] struct {
	value T
	owner *Scope
	gen   uint32
	valid bool
}

// NewTable creates an empty table. The name appears in fault messages.
func NewTable[T any](name string) *Table[T] {
	return &Table[T]{
		name:     name,
		entries:  make([]slot[T], 0, 16),
		freeList: make([]Handle, 0, 8),
	}
}

// Name returns the table name.
func (t *Table[T]) Name() string {
	return t.name
}

// Insert stores a value and returns a handle unique among live handles.
// Handles of removed entries are recycled.
func (t *Table[T]) Insert(value T) Handle {
	h, _ := t.insert(value, nil)
	return h
}

func (t *Table[T]) insert(value T, owner *Scope) (Handle, uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.live++
	if n := len(t.freeList); n > 0 {
		h := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		s := &t.entries[h-1]
		s.value, s.owner, s.valid = value, owner, true
		s.gen++
		return h, s.gen
	}

	t.entries = append(t.entries, slot[T]{value: value, owner: owner, valid: true})
	return Handle(len(t.entries)), 0 //nolint:gosec // G115: table size is bounded by guest-visible u32 handles
}

// Get returns the value for a live handle. Unknown or removed handles fault.
func (t *Table[T]) Get(h Handle) T {
	v, ok := t.Lookup(h)
	if !ok {
		panic(t.fault(h))
	}
	return v
}

// Lookup returns the value for a live handle without faulting.
func (t *Table[T]) Lookup(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	if h == 0 || int(h) > len(t.entries) {
		return zero, false
	}
	s := t.entries[h-1]
	if !s.valid {
		return zero, false
	}
	return s.value, true
}

// Remove deletes the entry and hands ownership of the value back to the
// caller, which runs any release logic. Removing twice faults.
func (t *Table[T]) Remove(h Handle) T {
	v, ok := t.take(h)
	if !ok {
		panic(t.fault(h))
	}
	return v
}

func (t *Table[T]) take(h Handle) (T, bool) {
	return t.takeGen(h, 0, false)
}

// access returns the value behind h when caller may use it, removing the
// entry if remove is set.
func (t *Table[T]) access(h Handle, caller *Scope, remove bool) (T, *Fault) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	if h == 0 || int(h) > len(t.entries) || !t.entries[h-1].valid {
		return zero, t.fault(h)
	}
	s := &t.entries[h-1]
	if !caller.reaches(s.owner) {
		return zero, &Fault{Table: t.name, Handle: h, Reason: "owned by another execution context"}
	}
	v := s.value
	if remove {
		t.clear(h)
	}
	return v, nil
}

// takeGen removes h only if its slot still holds the generation the caller
// saw at insert time, so a recycled handle is never released twice.
func (t *Table[T]) takeGen(h Handle, gen uint32, checkGen bool) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	if h == 0 || int(h) > len(t.entries) {
		return zero, false
	}
	s := &t.entries[h-1]
	if !s.valid || (checkGen && s.gen != gen) {
		return zero, false
	}

	v := s.value
	t.clear(h)
	return v, true
}

func (t *Table[T]) clear(h Handle) {
	var zero T
	s := &t.entries[h-1]
	s.value, s.owner, s.valid = zero, nil, false
	t.freeList = append(t.freeList, h)
	t.live--
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *Table[T]) fault(h Handle) *Fault {
	return &Fault{Table: t.name, Handle: h, Reason: "not a live handle"}
}
