// Package abi implements the calling convention shared by every capability
// host module: (ptr, len) arguments read out of guest linear memory and
// result<T, error> records written back through a guest-supplied retptr.
//
// Result layout at retptr:
//
//	offset 0  u8   tag (0 ok, 1 err)
//	ok:
//	  handle          u32 @4
//	  bool            u8  @4
//	  bytes/string    ptr u32 @4, len u32 @8
//	  list<string>    ptr u32 @4, len u32 @8 (array of ptr,len pairs)
//	  option<bytes>   tag u8 @4, ptr u32 @8, len u32 @12
//	  u64             u64 @8
//	err:
//	  kind u8 @4, message ptr u32 @8, len u32 @12
//
// Any memory access outside the guest's linear memory is a boundary fault.
package abi

import (
	"context"

	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/tetratelabs/wazero/api"
)

// ReallocExport is the guest export used to obtain memory for results.
// Signature: (old_ptr, old_size, align, new_size) -> ptr.
const ReallocExport = "cabi_realloc"

const (
	tagOK  byte = 0
	tagErr byte = 1
)

// ResultSize is the number of bytes a guest must reserve at retptr.
const ResultSize = 16

// Pack combines a pointer and length into a single uint64.
func Pack(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}

// Unpack splits a packed uint64 into pointer and length.
func Unpack(packed uint64) (ptr, length uint32) {
	ptr = uint32(packed >> 32)         //nolint:gosec // G115: WASM32 pointers are always 32-bit
	length = uint32(packed & 0xFFFFFFFF) //nolint:gosec // G115: WASM32 lengths are always 32-bit
	return ptr, length
}

// Read copies length bytes starting at ptr out of guest memory.
func Read(mod api.Module, ptr, length uint32) []byte {
	if length == 0 {
		return []byte{}
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		resource.Trap("read of %d bytes at offset %d is outside guest memory", length, ptr)
	}
	out := make([]byte, length)
	copy(out, data)
	return out
}

// ReadString copies a UTF-8 string out of guest memory.
func ReadString(mod api.Module, ptr, length uint32) string {
	return string(Read(mod, ptr, length))
}

// Alloc asks the guest for size bytes with the given alignment.
func Alloc(ctx context.Context, mod api.Module, size, align uint32) uint32 {
	realloc := mod.ExportedFunction(ReallocExport)
	if realloc == nil {
		resource.Trap("guest does not export %s", ReallocExport)
	}
	results, err := realloc.Call(ctx, 0, 0, uint64(align), uint64(size))
	if err != nil {
		resource.Trap("%s failed: %v", ReallocExport, err)
	}
	if len(results) == 0 {
		resource.Trap("%s returned no results", ReallocExport)
	}
	return uint32(results[0]) //nolint:gosec // G115: WASM32 pointers are always 32-bit
}

// Write copies data into freshly allocated guest memory.
func Write(ctx context.Context, mod api.Module, data []byte) (ptr, length uint32) {
	if len(data) == 0 {
		return 0, 0
	}
	ptr = Alloc(ctx, mod, uint32(len(data)), 1) //nolint:gosec // G115: bounded by guest memory size
	if !mod.Memory().Write(ptr, data) {
		resource.Trap("write of %d bytes at offset %d is outside guest memory", len(data), ptr)
	}
	return ptr, uint32(len(data)) //nolint:gosec // G115: bounded by guest memory size
}

func writeByte(mod api.Module, offset uint32, v byte) {
	if !mod.Memory().WriteByte(offset, v) {
		resource.Trap("write at offset %d is outside guest memory", offset)
	}
}

func writeU32(mod api.Module, offset, v uint32) {
	if !mod.Memory().WriteUint32Le(offset, v) {
		resource.Trap("write at offset %d is outside guest memory", offset)
	}
}

func writeU64(mod api.Module, offset uint32, v uint64) {
	if !mod.Memory().WriteUint64Le(offset, v) {
		resource.Trap("write at offset %d is outside guest memory", offset)
	}
}
