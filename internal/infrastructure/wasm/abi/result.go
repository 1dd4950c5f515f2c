package abi

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// WriteUnit writes an ok result with no payload.
func WriteUnit(mod api.Module, retptr uint32) {
	writeByte(mod, retptr, tagOK)
}

// WriteHandle writes an ok result carrying a resource handle.
func WriteHandle(mod api.Module, retptr, handle uint32) {
	writeByte(mod, retptr, tagOK)
	writeU32(mod, retptr+4, handle)
}

// WriteBool writes an ok result carrying a boolean.
func WriteBool(mod api.Module, retptr uint32, v bool) {
	writeByte(mod, retptr, tagOK)
	var b byte
	if v {
		b = 1
	}
	writeByte(mod, retptr+4, b)
}

// WriteU64 writes an ok result carrying an unsigned 64-bit integer.
func WriteU64(mod api.Module, retptr uint32, v uint64) {
	writeByte(mod, retptr, tagOK)
	writeU64(mod, retptr+8, v)
}

// WriteBytes writes an ok result carrying a byte buffer owned by the guest.
func WriteBytes(ctx context.Context, mod api.Module, retptr uint32, data []byte) {
	ptr, length := Write(ctx, mod, data)
	writeByte(mod, retptr, tagOK)
	writeU32(mod, retptr+4, ptr)
	writeU32(mod, retptr+8, length)
}

// WriteStrings writes an ok result carrying list<string>.
func WriteStrings(ctx context.Context, mod api.Module, retptr uint32, list []string) {
	var arr uint32
	if len(list) > 0 {
		arr = Alloc(ctx, mod, uint32(len(list)*8), 4) //nolint:gosec // G115: bounded by guest memory size
		for i, s := range list {
			ptr, length := Write(ctx, mod, []byte(s))
			writeU32(mod, arr+uint32(i*8), ptr)     //nolint:gosec // G115
			writeU32(mod, arr+uint32(i*8)+4, length) //nolint:gosec // G115
		}
	}
	writeByte(mod, retptr, tagOK)
	writeU32(mod, retptr+4, arr)
	writeU32(mod, retptr+8, uint32(len(list))) //nolint:gosec // G115
}

// WriteOption writes an ok result carrying option<bytes>.
func WriteOption(ctx context.Context, mod api.Module, retptr uint32, data []byte, present bool) {
	writeByte(mod, retptr, tagOK)
	if !present {
		writeByte(mod, retptr+4, 0)
		return
	}
	ptr, length := Write(ctx, mod, data)
	writeByte(mod, retptr+4, 1)
	writeU32(mod, retptr+8, ptr)
	writeU32(mod, retptr+12, length)
}

// WriteError writes an err result with a kind and description.
func WriteError(ctx context.Context, mod api.Module, retptr uint32, kind uint8, description string) {
	ptr, length := Write(ctx, mod, []byte(description))
	writeByte(mod, retptr, tagErr)
	writeByte(mod, retptr+4, kind)
	writeU32(mod, retptr+8, ptr)
	writeU32(mod, retptr+12, length)
}
