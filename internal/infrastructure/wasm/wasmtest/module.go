// Package wasmtest assembles small WebAssembly binaries for tests. The
// modules it produces follow the guest conventions the host expects: an
// exported "memory", a bump allocator exported as cabi_realloc, and any
// number of imported host functions and exported guest functions.
package wasmtest

import "bytes"

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// HeapBase is where the bump allocator starts handing out memory.
// Tests may freely use addresses below it as scratch space.
const HeapBase = 4096

// Import declares a function imported from a host module.
type Import struct {
	Module  string
	Name    string
	Params  []byte
	Results []byte
}

// Func is a guest-defined function. Body holds the instructions without
// the trailing end opcode.
type Func struct {
	Export  string
	Params  []byte
	Results []byte
	Locals  []byte
	Body    []byte
}

// Data is an active data segment.
type Data struct {
	Bytes  []byte
	Offset uint32
}

// Module is a guest under construction.
type Module struct {
	imports     []Import
	funcs       []Func
	data        []Data
	memoryPages uint32
}

// New returns a guest with two pages of memory and a cabi_realloc export.
func New() *Module {
	m := &Module{memoryPages: 2}
	m.funcs = append(m.funcs, Func{
		Export:  "cabi_realloc",
		Params:  []byte{I32, I32, I32, I32},
		Results: []byte{I32},
		// heap; heap = heap + new_size
		Body: Ops(GlobalGet(0), GlobalGet(0), LocalGet(3), []byte{0x6a}, GlobalSet(0)),
	})
	return m
}

// Import adds a host import and returns its function index. Imports must be
// added before any function body that calls them is encoded.
func (m *Module) Import(module, name string, params, results []byte) uint32 {
	m.imports = append(m.imports, Import{Module: module, Name: name, Params: params, Results: results})
	return uint32(len(m.imports) - 1) //nolint:gosec // test helper
}

// Func adds a guest function.
func (m *Module) Func(f Func) *Module {
	m.funcs = append(m.funcs, f)
	return m
}

// Data places bytes at a fixed offset in memory.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, Data{Offset: offset, Bytes: b})
	return m
}

// Encode produces the binary module.
func (m *Module) Encode() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	// type section: one type per import, then one per function
	var types [][]byte
	for _, imp := range m.imports {
		types = append(types, funcType(imp.Params, imp.Results))
	}
	for _, f := range m.funcs {
		types = append(types, funcType(f.Params, f.Results))
	}
	section(&out, 1, vec(types))

	if len(m.imports) > 0 {
		entries := make([][]byte, 0, len(m.imports))
		for i, imp := range m.imports {
			e := append(name(imp.Module), name(imp.Name)...)
			e = append(e, 0x00)
			e = append(e, uleb(uint64(i))...)
			entries = append(entries, e)
		}
		section(&out, 2, vec(entries))
	}

	funcs := make([][]byte, 0, len(m.funcs))
	for i := range m.funcs {
		funcs = append(funcs, uleb(uint64(len(m.imports)+i)))
	}
	section(&out, 3, vec(funcs))

	section(&out, 5, vec([][]byte{append([]byte{0x00}, uleb(uint64(m.memoryPages))...)}))

	global := append([]byte{I32, 0x01}, I32Const(HeapBase)...)
	global = append(global, 0x0b)
	section(&out, 6, vec([][]byte{global}))

	exports := [][]byte{append(name("memory"), 0x02, 0x00)}
	for i, f := range m.funcs {
		if f.Export == "" {
			continue
		}
		e := append(name(f.Export), 0x00)
		e = append(e, uleb(uint64(len(m.imports)+i))...)
		exports = append(exports, e)
	}
	section(&out, 7, vec(exports))

	codes := make([][]byte, 0, len(m.funcs))
	for _, f := range m.funcs {
		locals := make([][]byte, 0, len(f.Locals))
		for _, l := range f.Locals {
			locals = append(locals, []byte{0x01, l})
		}
		body := append(vec(locals), f.Body...)
		body = append(body, 0x0b)
		codes = append(codes, append(uleb(uint64(len(body))), body...))
	}
	section(&out, 10, vec(codes))

	if len(m.data) > 0 {
		segs := make([][]byte, 0, len(m.data))
		for _, d := range m.data {
			s := append([]byte{0x00}, I32Const(int32(d.Offset))...) //nolint:gosec // test helper
			s = append(s, 0x0b)
			s = append(s, uleb(uint64(len(d.Bytes)))...)
			s = append(s, d.Bytes...)
			segs = append(segs, s)
		}
		section(&out, 11, vec(segs))
	}

	return out.Bytes()
}

func funcType(params, results []byte) []byte {
	t := []byte{0x60}
	t = append(t, uleb(uint64(len(params)))...)
	t = append(t, params...)
	t = append(t, uleb(uint64(len(results)))...)
	return append(t, results...)
}

func section(out *bytes.Buffer, id byte, payload []byte) {
	out.WriteByte(id)
	out.Write(uleb(uint64(len(payload))))
	out.Write(payload)
}

func vec(items [][]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
