// Package resource provides the handle tables that give guests opaque,
// unforgeable references to host-owned objects.
package resource

import "fmt"

// Fault is a boundary violation: the guest used a handle or memory range it
// was never given. Host functions panic with a *Fault, which the wasm runtime
// turns into a trap that terminates the current guest call.
type Fault struct {
	Table  string
	Reason string
	Handle Handle
}

func (f *Fault) Error() string {
	if f.Table == "" {
		return "boundary fault: " + f.Reason
	}
	return fmt.Sprintf("boundary fault: %s handle %d: %s", f.Table, f.Handle, f.Reason)
}

// Trap panics with a Fault that is not tied to a table, e.g. an
// out-of-bounds memory read.
func Trap(format string, args ...any) {
	panic(&Fault{Reason: fmt.Sprintf(format, args...)})
}
