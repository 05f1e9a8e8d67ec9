package wazero

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/internal/abi"
)

type exportFunc func(ctx context.Context, g *fakeGuest, params []uint64) ([]uint64, error)

// fakeGuest stands in for an instantiated plugin: a flat linear memory
// with a bump allocator behind filament_reserve and Go functions for the
// other exports.
type fakeGuest struct {
	memory  []byte
	exports map[string]exportFunc
	calls   []string
	next    uint32
	closed  bool
	mu      sync.Mutex
}

func newFakeGuest(exports map[string]exportFunc) *fakeGuest {
	g := &fakeGuest{
		memory:  make([]byte, 1<<20),
		next:    1 << 16,
		exports: map[string]exportFunc{ExportReserve: reserveExport},
	}
	for name, fn := range exports {
		g.exports[name] = fn
	}
	return g
}

func reserveExport(_ context.Context, g *fakeGuest, params []uint64) ([]uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	size := (params[0] + 15) &^ 15
	if uint64(g.next)+size > uint64(len(g.memory)) {
		return []uint64{0}, nil
	}
	addr := g.next
	g.next += uint32(size)
	return []uint64{uint64(addr)}, nil
}

func (g *fakeGuest) Call(ctx context.Context, export string, params ...uint64) ([]uint64, error) {
	fn, ok := g.exports[export]
	if !ok {
		return nil, fmt.Errorf("export %q not found", export)
	}
	g.calls = append(g.calls, export)
	return fn(ctx, g, params)
}

func (g *fakeGuest) Has(export string) bool {
	_, ok := g.exports[export]
	return ok
}

func (g *fakeGuest) Read(offset, n uint32) ([]byte, bool) {
	if uint64(offset)+uint64(n) > uint64(len(g.memory)) {
		return nil, false
	}
	return append([]byte(nil), g.memory[offset:offset+n]...), true
}

func (g *fakeGuest) Write(offset uint32, data []byte) bool {
	if uint64(offset)+uint64(len(data)) > uint64(len(g.memory)) {
		return false
	}
	copy(g.memory[offset:], data)
	return true
}

func (g *fakeGuest) Close(context.Context) error {
	g.closed = true
	return nil
}

func (g *fakeGuest) mem(ctx context.Context) guestMemory {
	return guestMemory{ctx: ctx, mod: g}
}

// guestPlugin scripts the exports of a fake plugin image.
type guestPlugin struct {
	info    entities.PluginInfo
	weave   func(ctx context.Context, g *fakeGuest, info entities.WeaveInfo) (entities.Result, []entities.Event, string)
	create  int32
	extra   map[string]exportFunc
	guests  []*fakeGuest
	created []entities.HostInfo
	config  []entities.Config
	state   []byte
}

func newGuestPlugin(caps ...string) *guestPlugin {
	return &guestPlugin{
		info: entities.PluginInfo{
			Name:            "guest",
			Version:         "0.1.0",
			Capabilities:    caps,
			Magic:           entities.Magic,
			RequiredVersion: entities.Version0_1_0,
		},
		extra: map[string]exportFunc{},
	}
}

func (p *guestPlugin) factory(ctx context.Context) (module, error) {
	g := newFakeGuest(map[string]exportFunc{
		ExportGetInfo: func(ctx context.Context, g *fakeGuest, _ []uint64) ([]uint64, error) {
			addr, err := abi.NewWriter(g.mem(ctx)).PluginInfo(p.info)
			return []uint64{uint64(addr)}, err
		},
		ExportCreate: func(ctx context.Context, g *fakeGuest, params []uint64) ([]uint64, error) {
			r := abi.NewReader(g.mem(ctx))
			b, err := g.mem(ctx).Read(entities.Address(params[0]), abi.HostInfoSize)
			if err != nil {
				return nil, err
			}
			host, err := abi.DecodeHostInfo(b)
			if err != nil {
				return nil, err
			}
			cfg, err := r.Config(entities.Address(params[1]))
			if err != nil {
				return nil, err
			}
			p.created = append(p.created, host)
			p.config = append(p.config, cfg)
			if p.create != 0 {
				return []uint64{uint64(uint32(p.create))}, nil
			}
			return []uint64{0}, abi.NewWriter(g.mem(ctx)).U64(entities.Address(params[2]), 7)
		},
		ExportPrepare: func(context.Context, *fakeGuest, []uint64) ([]uint64, error) {
			return []uint64{0}, nil
		},
		ExportDestroy: func(context.Context, *fakeGuest, []uint64) ([]uint64, error) {
			return nil, nil
		},
		ExportWeave: p.weaveExport,
	})
	for name, fn := range p.extra {
		g.exports[name] = fn
	}
	p.guests = append(p.guests, g)
	return g, nil
}

func (p *guestPlugin) weaveExport(ctx context.Context, g *fakeGuest, params []uint64) ([]uint64, error) {
	mem := g.mem(ctx)
	if params[0] != 7 {
		return nil, fmt.Errorf("unexpected instance handle %d", params[0])
	}
	info, err := abi.NewReader(mem).WeaveInfo(entities.Address(params[1]))
	if err != nil {
		return nil, err
	}
	if p.weave == nil {
		return []uint64{0}, nil
	}
	status, events, errText := p.weave(ctx, g, info)

	w := abi.NewWriter(mem)
	switch status {
	case entities.ResultDone:
		addr, err := w.EventPointers(events)
		if err != nil {
			return nil, err
		}
		if err := w.U64(entities.Address(params[2]), uint64(addr)); err != nil {
			return nil, err
		}
		if err := w.U64(entities.Address(params[3]), uint64(len(events))); err != nil {
			return nil, err
		}
	case entities.ResultError:
		buf := append([]byte(errText), 0)
		if uint64(len(buf)) > params[5] {
			buf = buf[:params[5]]
		}
		if err := mem.Write(entities.Address(params[4]), buf); err != nil {
			return nil, err
		}
	}
	return []uint64{uint64(uint32(int32(status)))}, nil
}

func (p *guestPlugin) load(t *testing.T) *Plugin {
	t.Helper()
	cfg := defaultRuntimeConfig()
	plugin, err := newPlugin(context.Background(), p.factory, cfg, nil)
	require.NoError(t, err)
	return plugin
}

// stateExports makes the plugin stateful: snapshot saves p.state into a
// blob, restore reads it back.
func (p *guestPlugin) stateExports(h *imports) {
	p.extra[ExportSnapshot] = func(ctx context.Context, g *fakeGuest, _ []uint64) ([]uint64, error) {
		if len(p.state) == 0 {
			return []uint64{0}, nil
		}
		id, err := h.blobCreate(ctx, uint64(len(p.state)))
		if err != nil {
			return nil, err
		}
		ref, err := abi.NewWriter(g.mem(ctx)).Bytes(p.state)
		if err != nil {
			return nil, err
		}
		return []uint64{id}, h.blobWrite(ctx, g.mem(ctx), id, 0, ref.Ptr, ref.Len)
	}
	p.extra[ExportRestore] = func(ctx context.Context, g *fakeGuest, params []uint64) ([]uint64, error) {
		mem := g.mem(ctx)
		out, err := mem.Reserve(16)
		if err != nil {
			return nil, err
		}
		if err := h.readBlob(ctx, mem, params[2], 0, 1<<20, out, out.Add(8)); err != nil {
			return []uint64{uint64(uint32(int32(2)))}, nil
		}
		r := abi.NewReader(mem)
		ptr, _ := r.U64(out)
		n, _ := r.U64(out.Add(8))
		state, err := r.Bytes(abi.StringRef{Ptr: entities.Address(ptr), Len: n}, 1<<20)
		if err != nil {
			return nil, err
		}
		p.state = state
		return []uint64{0}, nil
	}
}

func note(text string) entities.Event {
	return entities.Event{TypeURI: "app.note", Payload: []byte(text), PayloadFormat: entities.FormatUTF8}
}
