package wazero

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
)

func TestGuestMemory_ReadWrite(t *testing.T) {
	g := newFakeGuest(nil)
	mem := g.mem(context.Background())

	addr, err := mem.Reserve(5)
	require.NoError(t, err)
	require.NoError(t, mem.Write(addr, []byte("hello")))

	b, err := mem.Read(addr, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)

	b[0] = 'j'
	again, _ := mem.Read(addr, 5)
	assert.Equal(t, []byte("hello"), again, "reads are copies")
}

func TestGuestMemory_Bounds(t *testing.T) {
	g := newFakeGuest(nil)
	mem := g.mem(context.Background())

	tests := []struct {
		name string
		addr entities.Address
		n    uint64
	}{
		{"past end", entities.Address(len(g.memory) - 2), 4},
		{"host handle", entities.MakeAddress(3, 1, 4096), 1},
		{"wraps 32 bits", entities.Address(math.MaxUint32), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mem.Read(tt.addr, tt.n)
			assert.Equal(t, ferrors.MemoryAccess, ferrors.CodeOf(err))
			assert.Equal(t, ferrors.MemoryAccess, ferrors.CodeOf(mem.Write(tt.addr, make([]byte, tt.n))))
		})
	}
}

func TestGuestMemory_Reserve(t *testing.T) {
	g := newFakeGuest(nil)
	mem := g.mem(context.Background())

	_, err := mem.Reserve(math.MaxUint32 + 1)
	assert.Equal(t, ferrors.OutOfMemory, ferrors.CodeOf(err))

	_, err = mem.Reserve(uint64(len(g.memory)))
	assert.Equal(t, ferrors.OutOfMemory, ferrors.CodeOf(err), "a null reservation is out of memory")

	noReserve := &fakeGuest{memory: make([]byte, 64), exports: map[string]exportFunc{}}
	_, err = noReserve.mem(context.Background()).Reserve(8)
	assert.Equal(t, ferrors.OutOfMemory, ferrors.CodeOf(err))
}

func TestRuntimeOptions(t *testing.T) {
	cfg := defaultRuntimeConfig()
	assert.True(t, cfg.wasi)
	assert.Equal(t, uint64(1024), cfg.maxErrorBytes)

	WithMemoryLimitBytes(wasmPageSize + 1)(&cfg)
	assert.Equal(t, uint32(2), cfg.memoryLimitPages)

	WithMemoryLimitBytes(0)(&cfg)
	assert.Equal(t, uint32(2), cfg.memoryLimitPages, "zero keeps the previous limit")

	WithMaxErrorBytes(256)(&cfg)
	WithMaxTransferBytes(4096)(&cfg)
	WithWASI(false)(&cfg)
	assert.Equal(t, uint64(256), cfg.maxErrorBytes)
	assert.Equal(t, uint64(4096), cfg.maxTransferBytes)
	assert.False(t, cfg.wasi)
}

func TestRuntime_LoadRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	rt, err := NewRuntime(ctx, WithWASI(false))
	require.NoError(t, err)
	defer func() { _ = rt.Close(ctx) }()

	_, err = rt.Load(ctx, []byte("not wasm"))
	assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))
}

// emptyModule is the smallest valid wasm binary: magic and version.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestRuntime_LoadRequiresExportTable(t *testing.T) {
	ctx := context.Background()
	rt, err := NewRuntime(ctx)
	require.NoError(t, err)
	defer func() { _ = rt.Close(ctx) }()

	_, err = rt.Load(ctx, emptyModule)
	assert.Equal(t, ferrors.NotFound, ferrors.CodeOf(err))
	assert.Contains(t, err.Error(), ExportGetInfo)
}
