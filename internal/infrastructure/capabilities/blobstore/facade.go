package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/resource"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/abi"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
	"github.com/tetratelabs/wazero/api"
)

// DefaultChunkSize bounds a stream read when the guest asks for 0 bytes.
const DefaultChunkSize = 64 << 10

// maxChunkSize caps a single stream read.
const maxChunkSize = 4 << 20

// Instance is an opened container as seen through a guest handle.
type Instance = services.Instance[Container]

// ReadStream is an open object reader.
type ReadStream struct {
	r    io.ReadCloser
	Name string
}

// WriteStream buffers an object until finish commits it.
type WriteStream struct {
	container Container
	buf       bytes.Buffer
	Name      string
}

// Facade exposes blob containers to guests as the "blobstore" host module.
type Facade struct {
	resolver   *services.Resolver[Container]
	containers *resource.Table[*Instance]
	readers    *resource.Table[*ReadStream]
	writers    *resource.Table[*WriteStream]
	boundary   *hostfuncs.Boundary
}

// NewFacade creates the blob store facade.
func NewFacade(resolver *services.Resolver[Container], boundary *hostfuncs.Boundary) *Facade {
	return &Facade{
		resolver:   resolver,
		containers: resource.NewTable[*Instance]("blobstore"),
		readers:    resource.NewTable[*ReadStream]("blobstore-read-stream"),
		writers:    resource.NewTable[*WriteStream]("blobstore-write-stream"),
		boundary:   boundary,
	}
}

// ModuleName implements hostfuncs.Module.
func (f *Facade) ModuleName() string { return string(capabilities.TypeBlobStore) }

// Functions implements hostfuncs.Module.
func (f *Facade) Functions() []hostfuncs.Func {
	return []hostfuncs.Func{
		{Name: "open", Params: hostfuncs.I32s(3), Handler: f.open},
		{Name: "container_info", Params: hostfuncs.I32s(2), Handler: f.containerInfo},
		{Name: "list_objects", Params: hostfuncs.I32s(2), Handler: f.listObjects},
		{Name: "has_object", Params: hostfuncs.I32s(4), Handler: f.hasObject},
		{Name: "object_info", Params: hostfuncs.I32s(4), Handler: f.objectInfo},
		{Name: "delete_object", Params: hostfuncs.I32s(4), Handler: f.deleteObject},
		{Name: "read_object", Params: hostfuncs.I32s(4), Handler: f.readObject},
		{Name: "write_object", Params: hostfuncs.I32s(6), Handler: f.writeObject},
		{Name: "clear", Params: hostfuncs.I32s(2), Handler: f.clear},
		{Name: "open_read_stream", Params: hostfuncs.I32s(4), Handler: f.openReadStream},
		{Name: "read", Params: hostfuncs.I32s(3), Handler: f.read},
		{Name: "drop_read_stream", Params: hostfuncs.I32s(1), Handler: f.dropReadStream},
		{Name: "open_write_stream", Params: hostfuncs.I32s(4), Handler: f.openWriteStream},
		{Name: "write", Params: hostfuncs.I32s(4), Handler: f.write},
		{Name: "finish", Params: hostfuncs.I32s(2), Handler: f.finish},
		{Name: "drop_write_stream", Params: hostfuncs.I32s(1), Handler: f.dropWriteStream},
		{Name: "drop", Params: hostfuncs.I32s(1), Handler: f.drop},
	}
}

func closeInstance(inst *Instance) { inst.Close() }

func closeReader(s *ReadStream) { _ = s.r.Close() }

// discardWriter drops uncommitted data.
func discardWriter(s *WriteStream) { s.buf.Reset() }

func (f *Facade) container(ctx context.Context, stack []uint64) Container {
	return resource.Get(ctx, f.containers, resource.Handle(hostfuncs.Arg(stack, 0))).Backend
}

// writeJSON encodes v as the bytes payload of a result.
func (f *Facade) writeJSON(ctx context.Context, mod api.Module, retptr uint32, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, capabilities.Wrap(capabilities.KindUnexpected, err, "encode result"))
		return
	}
	abi.WriteBytes(ctx, mod, retptr, data)
}

// open(name_ptr, name_len, retptr) -> result<handle>
func (f *Facade) open(ctx context.Context, mod api.Module, stack []uint64) {
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 0), hostfuncs.Arg(stack, 1))
	retptr := hostfuncs.Arg(stack, 2)

	inst, err := f.resolver.Open(ctx, name)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	h := resource.Insert(ctx, f.containers, inst, closeInstance)
	abi.WriteHandle(mod, retptr, uint32(h))
}

// container_info(handle, retptr) -> result<bytes> (JSON ContainerInfoWire)
func (f *Facade) containerInfo(ctx context.Context, mod api.Module, stack []uint64) {
	c := f.container(ctx, stack)
	retptr := hostfuncs.Arg(stack, 1)

	info, err := c.Info(ctx)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	f.writeJSON(ctx, mod, retptr, info)
}

// list_objects(handle, retptr) -> result<list<string>>
func (f *Facade) listObjects(ctx context.Context, mod api.Module, stack []uint64) {
	c := f.container(ctx, stack)
	retptr := hostfuncs.Arg(stack, 1)

	names, err := c.List(ctx)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteStrings(ctx, mod, retptr, names)
}

// has_object(handle, name_ptr, name_len, retptr) -> result<bool>
func (f *Facade) hasObject(ctx context.Context, mod api.Module, stack []uint64) {
	c := f.container(ctx, stack)
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	ok, err := c.Has(ctx, name)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteBool(mod, retptr, ok)
}

// object_info(handle, name_ptr, name_len, retptr) -> result<bytes> (JSON ObjectInfoWire)
func (f *Facade) objectInfo(ctx context.Context, mod api.Module, stack []uint64) {
	c := f.container(ctx, stack)
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	info, err := c.ObjectInfo(ctx, name)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	f.writeJSON(ctx, mod, retptr, info)
}

// delete_object(handle, name_ptr, name_len, retptr) -> result<_>
func (f *Facade) deleteObject(ctx context.Context, mod api.Module, stack []uint64) {
	c := f.container(ctx, stack)
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	if err := c.Delete(ctx, name); err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteUnit(mod, retptr)
}

// read_object(handle, name_ptr, name_len, retptr) -> result<bytes>
func (f *Facade) readObject(ctx context.Context, mod api.Module, stack []uint64) {
	c := f.container(ctx, stack)
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	data, err := ReadAll(ctx, c, name)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteBytes(ctx, mod, retptr, data)
}

// write_object(handle, name_ptr, name_len, data_ptr, data_len, retptr) -> result<_>
func (f *Facade) writeObject(ctx context.Context, mod api.Module, stack []uint64) {
	c := f.container(ctx, stack)
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	data := abi.Read(mod, hostfuncs.Arg(stack, 3), hostfuncs.Arg(stack, 4))
	retptr := hostfuncs.Arg(stack, 5)

	if err := c.Write(ctx, name, data); err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteUnit(mod, retptr)
}

// clear(handle, retptr) -> result<_>
func (f *Facade) clear(ctx context.Context, mod api.Module, stack []uint64) {
	c := f.container(ctx, stack)
	retptr := hostfuncs.Arg(stack, 1)

	if err := c.Clear(ctx); err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteUnit(mod, retptr)
}

// open_read_stream(handle, name_ptr, name_len, retptr) -> result<read-stream>
func (f *Facade) openReadStream(ctx context.Context, mod api.Module, stack []uint64) {
	c := f.container(ctx, stack)
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	r, err := c.Reader(ctx, name)
	if err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	h := resource.Insert(ctx, f.readers, &ReadStream{r: r, Name: name}, closeReader)
	abi.WriteHandle(mod, retptr, uint32(h))
}

// read(read-stream, max_len, retptr) -> result<option<bytes>>
// None marks the end of the object.
func (f *Facade) read(ctx context.Context, mod api.Module, stack []uint64) {
	s := resource.Get(ctx, f.readers, resource.Handle(hostfuncs.Arg(stack, 0)))
	size := int(hostfuncs.Arg(stack, 1))
	retptr := hostfuncs.Arg(stack, 2)

	if size <= 0 {
		size = DefaultChunkSize
	}
	size = min(size, maxChunkSize)

	buf := make([]byte, size)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case errors.Is(err, io.EOF):
		abi.WriteOption(ctx, mod, retptr, nil, false)
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
		abi.WriteOption(ctx, mod, retptr, buf[:n], true)
	default:
		f.boundary.Fail(ctx, mod, retptr, capabilities.Wrap(capabilities.KindIO, err, "read object %q", s.Name))
	}
}

// drop_read_stream(read-stream)
func (f *Facade) dropReadStream(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.readers, resource.Handle(hostfuncs.Arg(stack, 0)), closeReader)
}

// open_write_stream(handle, name_ptr, name_len, retptr) -> result<write-stream>
func (f *Facade) openWriteStream(ctx context.Context, mod api.Module, stack []uint64) {
	c := f.container(ctx, stack)
	name := abi.ReadString(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	if err := checkName(name); err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	h := resource.Insert(ctx, f.writers, &WriteStream{container: c, Name: name}, discardWriter)
	abi.WriteHandle(mod, retptr, uint32(h))
}

// write(write-stream, data_ptr, data_len, retptr) -> result<_>
func (f *Facade) write(ctx context.Context, mod api.Module, stack []uint64) {
	s := resource.Get(ctx, f.writers, resource.Handle(hostfuncs.Arg(stack, 0)))
	data := abi.Read(mod, hostfuncs.Arg(stack, 1), hostfuncs.Arg(stack, 2))
	retptr := hostfuncs.Arg(stack, 3)

	s.buf.Write(data)
	abi.WriteUnit(mod, retptr)
}

// finish(write-stream, retptr) -> result<_>
// Commits the buffered object and consumes the stream handle.
func (f *Facade) finish(ctx context.Context, mod api.Module, stack []uint64) {
	var s *WriteStream
	resource.Drop(ctx, f.writers, resource.Handle(hostfuncs.Arg(stack, 0)), func(w *WriteStream) { s = w })
	retptr := hostfuncs.Arg(stack, 1)

	if err := s.container.Write(ctx, s.Name, s.buf.Bytes()); err != nil {
		f.boundary.Fail(ctx, mod, retptr, err)
		return
	}
	abi.WriteUnit(mod, retptr)
}

// drop_write_stream(write-stream) discards an unfinished stream.
func (f *Facade) dropWriteStream(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.writers, resource.Handle(hostfuncs.Arg(stack, 0)), discardWriter)
}

// drop(handle)
func (f *Facade) drop(ctx context.Context, _ api.Module, stack []uint64) {
	resource.Drop(ctx, f.containers, resource.Handle(hostfuncs.Arg(stack, 0)), closeInstance)
}
