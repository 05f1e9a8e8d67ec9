package wazero

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/internal/abi"
)

var requiredExports = []string{
	ExportGetInfo,
	ExportReserve,
	ExportCreate,
	ExportDestroy,
	ExportPrepare,
	ExportWeave,
}

type moduleFactory func(ctx context.Context) (module, error)

// Plugin is a compiled plugin image. It implements ports.Plugin; every
// Create instantiates a fresh module.
type Plugin struct {
	newModule moduleFactory
	release   func(context.Context) error
	config    runtimeConfig
	info      entities.PluginInfo
	stateful  bool
}

var _ ports.Plugin = (*Plugin)(nil)

func newPlugin(ctx context.Context, factory moduleFactory, cfg runtimeConfig, release func(context.Context) error) (*Plugin, error) {
	scout, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = scout.Close(ctx) }()

	res, err := scout.Call(ctx, ExportGetInfo)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Internal, "wasm.get_info", err)
	}
	if len(res) == 0 {
		return nil, ferrors.New(ferrors.Internal, "wasm.get_info", "no result")
	}
	mem := guestMemory{ctx: ctx, mod: scout}
	info, err := abi.NewReader(mem).PluginInfo(entities.Address(res[0]))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeOf(err), "wasm.get_info", err)
	}

	caps, _ := entities.ParseCapabilities(info.Capabilities)
	stateful := caps.Has(entities.CapStateful)
	if stateful && !(scout.Has(ExportSnapshot) && scout.Has(ExportRestore)) {
		return nil, ferrors.New(ferrors.InvalidArgument, "wasm.load",
			"plugin %q declares %s without snapshot and restore exports", info.Name, entities.CapNameStateful)
	}
	return &Plugin{
		newModule: factory,
		release:   release,
		config:    cfg,
		info:      info,
		stateful:  stateful,
	}, nil
}

// Info returns the identity record read at load.
func (p *Plugin) Info() entities.PluginInfo { return p.info }

// Close releases the compiled image. Live instances keep working until
// destroyed.
func (p *Plugin) Close(ctx context.Context) error {
	if p.release == nil {
		return nil
	}
	return p.release(ctx)
}

// Create instantiates the image and calls filament_create with the host
// limits and plugin configuration written into guest memory.
func (p *Plugin) Create(ctx context.Context, host entities.HostInfo, cfg entities.Config) (ports.Instance, error) {
	mod, err := p.newModule(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := p.create(ctx, mod, host, cfg)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	if p.stateful {
		return &statefulInstance{Instance: inst}, nil
	}
	return inst, nil
}

func (p *Plugin) create(ctx context.Context, mod module, host entities.HostInfo, cfg entities.Config) (*Instance, error) {
	mem := guestMemory{ctx: ctx, mod: mod}
	w := abi.NewWriter(mem)
	hostAddr, err := w.HostInfo(host)
	if err != nil {
		return nil, err
	}
	cfgAddr, err := w.Config(cfg)
	if err != nil {
		return nil, err
	}
	out, err := mem.Reserve(8)
	if err != nil {
		return nil, err
	}
	res, err := mod.Call(ctx, ExportCreate, uint64(hostAddr), uint64(cfgAddr), uint64(out))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Internal, "plugin.create", err)
	}
	if err := statusError("plugin.create", res); err != nil {
		return nil, err
	}
	handle, err := abi.NewReader(mem).U64(out)
	if err != nil {
		return nil, err
	}
	return &Instance{
		plugin: p,
		mod:    mod,
		handle: handle,
		logger: p.config.logger.With(slog.String("plugin", p.info.Name)),
	}, nil
}

// Instance is one plugin instance backed by its own module.
type Instance struct {
	plugin *Plugin
	mod    module
	logger *slog.Logger
	handle uint64
	// dead holds the error that made the module unusable.
	dead error
}

var _ ports.Instance = (*Instance)(nil)

// Prepare calls filament_prepare.
func (i *Instance) Prepare(ctx context.Context) error {
	res, err := i.mod.Call(ctx, ExportPrepare, i.handle)
	if err != nil {
		i.dead = err
		return ferrors.Wrap(ferrors.Internal, "plugin.prepare", err)
	}
	return statusError("plugin.prepare", res)
}

// Weave writes the weave record into guest memory, calls filament_weave
// and hands the returned events to the turn. A trap or an interrupted
// call is reported as a panic and leaves the instance unusable.
func (i *Instance) Weave(ctx context.Context, tc ports.TurnContext, info *entities.WeaveInfo) ports.TurnResult {
	if i.dead != nil {
		return ports.TurnResult{Status: entities.ResultPanic, ErrorText: []byte("instance unusable: " + i.dead.Error())}
	}
	ctx = withTurn(ctx, tc)
	mem := guestMemory{ctx: ctx, mod: i.mod}
	w := abi.NewWriter(mem)

	infoAddr, err := w.WeaveInfo(*info)
	if err != nil {
		return errorResult(err)
	}
	outs, err := mem.Reserve(16)
	if err != nil {
		return errorResult(err)
	}
	errLen := i.plugin.config.maxErrorBytes
	errBuf, err := mem.Reserve(errLen)
	if err != nil {
		return errorResult(err)
	}

	res, err := i.mod.Call(ctx, ExportWeave,
		i.handle, uint64(infoAddr), uint64(outs), uint64(outs.Add(8)), uint64(errBuf), errLen)
	if err != nil {
		return i.trap(ctx, err)
	}
	if len(res) == 0 {
		return errorResult(ferrors.New(ferrors.Internal, "plugin.weave", "no result"))
	}

	status := entities.Result(int32(uint32(res[0])))
	switch status {
	case entities.ResultDone:
		r := abi.NewReader(mem, abi.WithMaxPayload(uint64(info.MaxEventBytes)))
		addr, err := r.U64(outs)
		if err != nil {
			return errorResult(err)
		}
		count, err := r.U64(outs.Add(8))
		if err != nil {
			return errorResult(err)
		}
		events, err := r.EventPointers(entities.Address(addr), count)
		if err != nil {
			return errorResult(err)
		}
		// A rejected batch is recorded on the turn and aborts the commit.
		_ = tc.Emit(events...)
		return ports.TurnResult{Status: entities.ResultDone}
	case entities.ResultError:
		return ports.TurnResult{Status: entities.ResultError, ErrorText: readErrorText(mem, errBuf, errLen)}
	default:
		return ports.TurnResult{Status: status}
	}
}

func (i *Instance) trap(ctx context.Context, err error) ports.TurnResult {
	i.dead = err
	if ctx.Err() != nil {
		i.logger.Warn("weave interrupted", slog.Any("error", err))
		return ports.TurnResult{Status: entities.ResultPanic, ErrorText: []byte(fmt.Sprintf("turn interrupted: %v", ctx.Err()))}
	}
	i.logger.Warn("plugin trapped", slog.Any("error", err))
	return ports.TurnResult{Status: entities.ResultPanic, ErrorText: []byte(err.Error())}
}

// Destroy calls filament_destroy unless the module is already unusable,
// then closes the module.
func (i *Instance) Destroy(ctx context.Context) error {
	if i.dead == nil {
		if _, err := i.mod.Call(ctx, ExportDestroy, i.handle); err != nil {
			i.logger.Warn("destroy failed", slog.Any("error", err))
		}
	}
	i.dead = ferrors.New(ferrors.NotFound, "plugin.destroy", "instance destroyed")
	return i.mod.Close(ctx)
}

// statefulInstance adds state capture for plugins declaring
// filament.cap.stateful.
type statefulInstance struct {
	*Instance
}

var _ ports.StatefulInstance = (*statefulInstance)(nil)

// SnapshotState calls filament_snapshot, which writes the plugin state into
// a blob, and returns the blob content. The blob is deleted afterwards.
// A zero blob id means the plugin has no state to save.
func (s *statefulInstance) SnapshotState(ctx context.Context, tc ports.TurnContext) ([]byte, error) {
	if s.dead != nil {
		return nil, ferrors.Wrap(ferrors.Internal, "plugin.snapshot", s.dead)
	}
	ctx = withTurn(ctx, tc)
	res, err := s.mod.Call(ctx, ExportSnapshot, s.handle, uint64(tc.ContextHandle()))
	if err != nil {
		s.dead = err
		return nil, ferrors.Wrap(ferrors.Internal, "plugin.snapshot", err)
	}
	if len(res) == 0 || res[0] == 0 {
		return nil, nil
	}
	id := res[0]
	defer func() {
		if err := tc.BlobDelete(id); err != nil {
			s.logger.Warn("failed to delete state blob", slog.Uint64("blob_id", id), slog.Any("error", err))
		}
	}()
	return tc.BlobRead(id, 0, math.MaxUint64)
}

// RestoreState stages state in a temporary blob and calls
// filament_restore with its id.
func (s *statefulInstance) RestoreState(ctx context.Context, tc ports.TurnContext, state []byte) error {
	if s.dead != nil {
		return ferrors.Wrap(ferrors.Internal, "plugin.restore", s.dead)
	}
	ctx = withTurn(ctx, tc)
	id, err := tc.BlobCreate(uint64(len(state)))
	if err != nil {
		return err
	}
	defer func() { _ = tc.BlobDelete(id) }()
	if err := tc.BlobWrite(id, 0, state); err != nil {
		return err
	}
	res, err := s.mod.Call(ctx, ExportRestore, s.handle, uint64(tc.ContextHandle()), id)
	if err != nil {
		s.dead = err
		return ferrors.Wrap(ferrors.Internal, "plugin.restore", err)
	}
	return statusError("plugin.restore", res)
}

// statusError maps the int status of create, prepare and restore.
func statusError(op string, res []uint64) error {
	if len(res) == 0 {
		return nil
	}
	v := int64(int32(uint32(res[0])))
	if v == 0 {
		return nil
	}
	code, ok := ferrors.CodeFromInt(v)
	if !ok {
		code = ferrors.Internal
	}
	return ferrors.New(code, op, "plugin returned status %d", v)
}

// errorResult reports a boundary failure as an ERROR result in the JSON
// form the scheduler decodes.
func errorResult(err error) ports.TurnResult {
	text, _ := json.Marshal(struct {
		Code    ferrors.Code `json:"code"`
		Message string       `json:"message"`
	}{Code: ferrors.CodeOf(err), Message: err.Error()})
	return ports.TurnResult{Status: entities.ResultError, ErrorText: text}
}

// readErrorText reads the NUL-terminated error buffer.
func readErrorText(mem guestMemory, addr entities.Address, n uint64) []byte {
	b, err := mem.Read(addr, n)
	if err != nil {
		return nil
	}
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
