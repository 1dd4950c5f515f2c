package wasmtest

// Ops concatenates instruction sequences.
func Ops(seqs ...[]byte) []byte {
	var out []byte
	for _, s := range seqs {
		out = append(out, s...)
	}
	return out
}

// I32Const pushes an i32.
func I32Const(v int32) []byte { return append([]byte{0x41}, sleb(int64(v))...) }

// I64Const pushes an i64.
func I64Const(v int64) []byte { return append([]byte{0x42}, sleb(v)...) }

// LocalGet pushes local i.
func LocalGet(i uint32) []byte { return append([]byte{0x20}, uleb(uint64(i))...) }

// GlobalGet pushes global i.
func GlobalGet(i uint32) []byte { return append([]byte{0x23}, uleb(uint64(i))...) }

// GlobalSet pops into global i.
func GlobalSet(i uint32) []byte { return append([]byte{0x24}, uleb(uint64(i))...) }

// Call calls function idx.
func Call(idx uint32) []byte { return append([]byte{0x10}, uleb(uint64(idx))...) }

// I32Load loads an aligned i32 from the address on the stack plus offset.
func I32Load(offset uint32) []byte { return append([]byte{0x28, 0x02}, uleb(uint64(offset))...) }

// I32Store stores an i32 value at the address below it on the stack plus
// offset.
func I32Store(offset uint32) []byte { return append([]byte{0x36, 0x02}, uleb(uint64(offset))...) }

// Drop discards the top of the stack.
func Drop() []byte { return []byte{0x1a} }

// Unreachable traps.
func Unreachable() []byte { return []byte{0x00} }

// Packed returns an i64.const of ptr<<32|len, the return convention for
// handlers that hand a JSON record back to the host.
func Packed(ptr, length uint32) []byte {
	return I64Const(int64(uint64(ptr)<<32 | uint64(length))) //nolint:gosec // test helper
}
