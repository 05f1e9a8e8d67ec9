package wazero

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
)

// Export names of the Filament plugin table.
const (
	ExportGetInfo  = "filament_get_info"
	ExportReserve  = "filament_reserve"
	ExportCreate   = "filament_create"
	ExportDestroy  = "filament_destroy"
	ExportPrepare  = "filament_prepare"
	ExportWeave    = "filament_weave"
	ExportSnapshot = "filament_snapshot"
	ExportRestore  = "filament_restore"
)

// module is the part of an instantiated plugin the adapter relies on.
type module interface {
	Call(ctx context.Context, export string, params ...uint64) ([]uint64, error)
	Has(export string) bool
	Read(offset, n uint32) ([]byte, bool)
	Write(offset uint32, data []byte) bool
	Close(ctx context.Context) error
}

// wasmModule adapts a wazero module instance.
type wasmModule struct {
	mod api.Module
}

func (m wasmModule) Call(ctx context.Context, export string, params ...uint64) ([]uint64, error) {
	fn := m.mod.ExportedFunction(export)
	if fn == nil {
		return nil, ferrors.New(ferrors.NotFound, "wasm.call", "export %q not found", export)
	}
	return fn.Call(ctx, params...)
}

func (m wasmModule) Has(export string) bool {
	return m.mod.ExportedFunction(export) != nil
}

func (m wasmModule) Read(offset, n uint32) ([]byte, bool) {
	mem := m.mod.Memory()
	if mem == nil {
		return nil, false
	}
	b, ok := mem.Read(offset, n)
	if !ok {
		return nil, false
	}
	// The view aliases linear memory, which a later grow may move.
	return append([]byte(nil), b...), true
}

func (m wasmModule) Write(offset uint32, data []byte) bool {
	mem := m.mod.Memory()
	return mem != nil && mem.Write(offset, data)
}

func (m wasmModule) Close(ctx context.Context) error {
	return m.mod.Close(ctx)
}

// guestMemory exposes a plugin's linear memory as ports.Memory so the abi
// codec can read and write boundary records in it.
type guestMemory struct {
	ctx context.Context
	mod module
}

// Reserve asks the plugin for size bytes through filament_reserve.
func (g guestMemory) Reserve(size uint64) (entities.Address, error) {
	if size > math.MaxUint32 {
		return entities.NullAddress, ferrors.New(ferrors.OutOfMemory, "wasm.reserve", "%d bytes exceeds 32-bit memory", size)
	}
	res, err := g.mod.Call(g.ctx, ExportReserve, size)
	if err != nil {
		return entities.NullAddress, ferrors.Wrap(ferrors.OutOfMemory, "wasm.reserve", err)
	}
	if len(res) == 0 || entities.Address(res[0]).IsNull() {
		return entities.NullAddress, ferrors.New(ferrors.OutOfMemory, "wasm.reserve", "plugin returned null for %d bytes", size)
	}
	return entities.Address(res[0]), nil
}

func (g guestMemory) Write(addr entities.Address, data []byte) error {
	off, n, err := guestSpan("wasm.write", addr, uint64(len(data)))
	if err != nil {
		return err
	}
	if n > 0 && !g.mod.Write(off, data) {
		return ferrors.New(ferrors.MemoryAccess, "wasm.write", "%d bytes at %#x out of bounds", n, off)
	}
	return nil
}

func (g guestMemory) Read(addr entities.Address, n uint64) ([]byte, error) {
	off, size, err := guestSpan("wasm.read", addr, n)
	if err != nil {
		return nil, err
	}
	b, ok := g.mod.Read(off, size)
	if !ok {
		return nil, ferrors.New(ferrors.MemoryAccess, "wasm.read", "%d bytes at %#x out of bounds", size, off)
	}
	return b, nil
}

// guestSpan checks that [addr, addr+n) is a plain 32-bit guest range.
func guestSpan(op string, addr entities.Address, n uint64) (uint32, uint32, error) {
	start := uint64(addr)
	if start > math.MaxUint32 || n > math.MaxUint32 || start+n > math.MaxUint32+1 {
		return 0, 0, ferrors.New(ferrors.MemoryAccess, op, "range %#x+%d outside guest memory", start, n)
	}
	return uint32(start), uint32(n), nil
}
