package wasmtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Instantiate compiles m in a fresh runtime and returns the guest instance.
// The runtime is closed when the test ends.
func Instantiate(t testing.TB, m *Module) api.Module {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = r.Close(ctx) })

	mod, err := r.InstantiateWithConfig(ctx, m.Encode(), wazero.NewModuleConfig().WithStartFunctions())
	require.NoError(t, err)
	return mod
}

// Put writes b at offset in guest memory and returns (ptr, len) as stack values.
func Put(t testing.TB, mod api.Module, offset uint32, b []byte) (ptr, length uint64) {
	t.Helper()
	require.True(t, mod.Memory().Write(offset, b), "write outside guest memory")
	return uint64(offset), uint64(len(b))
}

// PutString writes s at offset in guest memory.
func PutString(t testing.TB, mod api.Module, offset uint32, s string) (ptr, length uint64) {
	t.Helper()
	return Put(t, mod, offset, []byte(s))
}

// Result decodes a result<T, error> record written at retptr.
type Result struct {
	mod api.Module
	ptr uint32
}

// ReadResult returns a view of the record at retptr.
func ReadResult(mod api.Module, retptr uint32) Result {
	return Result{mod: mod, ptr: retptr}
}

func (r Result) u8(off uint32) byte {
	b, _ := r.mod.Memory().ReadByte(r.ptr + off)
	return b
}

func (r Result) u32(off uint32) uint32 {
	v, _ := r.mod.Memory().ReadUint32Le(r.ptr + off)
	return v
}

func (r Result) bytesAt(ptr, length uint32) []byte {
	if length == 0 {
		return []byte{}
	}
	b, _ := r.mod.Memory().Read(ptr, length)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// OK reports whether the record holds a success.
func (r Result) OK() bool { return r.u8(0) == 0 }

// Handle returns the handle payload.
func (r Result) Handle() uint32 { return r.u32(4) }

// Bool returns the boolean payload.
func (r Result) Bool() bool { return r.u8(4) == 1 }

// U64 returns the u64 payload.
func (r Result) U64() uint64 {
	v, _ := r.mod.Memory().ReadUint64Le(r.ptr + 8)
	return v
}

// Bytes returns the bytes payload.
func (r Result) Bytes() []byte { return r.bytesAt(r.u32(4), r.u32(8)) }

// Strings returns the list<string> payload.
func (r Result) Strings() []string {
	arr, n := r.u32(4), r.u32(8)
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		ptr, _ := r.mod.Memory().ReadUint32Le(arr + i*8)
		length, _ := r.mod.Memory().ReadUint32Le(arr + i*8 + 4)
		out = append(out, string(r.bytesAt(ptr, length)))
	}
	return out
}

// Option returns the option<bytes> payload.
func (r Result) Option() ([]byte, bool) {
	if r.u8(4) == 0 {
		return nil, false
	}
	return r.bytesAt(r.u32(8), r.u32(12)), true
}

// ErrKind returns the error kind of a failed result.
func (r Result) ErrKind() uint8 { return r.u8(4) }

// ErrMessage returns the description of a failed result.
func (r Result) ErrMessage() string { return string(r.bytesAt(r.u32(8), r.u32(12))) }
