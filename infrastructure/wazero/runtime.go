package wazero

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
)

// HostModule is the import module name plugins link against.
const HostModule = "filament"

const wasmPageSize = 64 * 1024

// runtimeConfig holds configuration for the Runtime.
type runtimeConfig struct {
	logger           *slog.Logger
	memoryLimitPages uint32
	maxErrorBytes    uint64
	maxTransferBytes uint64
	wasi             bool
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		logger:           slog.Default(),
		maxErrorBytes:    1024,
		maxTransferBytes: 16 * 1024 * 1024,
		wasi:             true,
	}
}

// Option configures a Runtime.
type Option func(*runtimeConfig)

// WithLogger sets the logger for adapter diagnostics and for plugin log
// calls made outside a turn.
func WithLogger(l *slog.Logger) Option {
	return func(c *runtimeConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMemoryLimitBytes caps the linear memory of every plugin instance.
// The limit is rounded up to whole wasm pages.
func WithMemoryLimitBytes(n uint64) Option {
	return func(c *runtimeConfig) {
		pages := (n + wasmPageSize - 1) / wasmPageSize
		if pages > 0 && pages <= 65536 {
			c.memoryLimitPages = uint32(pages)
		}
	}
}

// WithMaxErrorBytes sets the size of the error buffer handed to weave.
func WithMaxErrorBytes(n uint64) Option {
	return func(c *runtimeConfig) {
		if n > 0 {
			c.maxErrorBytes = n
		}
	}
}

// WithMaxTransferBytes bounds a single buffer copied out of guest memory
// by a host import, such as a blob write or a log message.
func WithMaxTransferBytes(n uint64) Option {
	return func(c *runtimeConfig) {
		if n > 0 {
			c.maxTransferBytes = n
		}
	}
}

// WithWASI enables or disables the WASI preview1 imports. Default is true.
func WithWASI(enabled bool) Option {
	return func(c *runtimeConfig) {
		c.wasi = enabled
	}
}

// Runtime compiles and instantiates Filament plugins.
type Runtime struct {
	rt     wazero.Runtime
	config runtimeConfig
}

// NewRuntime creates a wazero runtime with the filament host module.
// Guest calls are interrupted when their context is done.
func NewRuntime(ctx context.Context, opts ...Option) (*Runtime, error) {
	cfg := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.memoryLimitPages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(cfg.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rcfg)

	if cfg.wasi {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("failed to instantiate wasi: %w", err)
		}
	}
	h := &imports{logger: cfg.logger, maxTransfer: cfg.maxTransferBytes}
	if err := h.register(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to register host imports: %w", err)
	}
	return &Runtime{rt: rt, config: cfg}, nil
}

// Close releases every module compiled or instantiated by the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// Load compiles a plugin image, checks its export table and reads its
// identity record from a throwaway instance.
func (r *Runtime) Load(ctx context.Context, image []byte) (*Plugin, error) {
	compiled, err := r.rt.CompileModule(ctx, image)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.InvalidArgument, "wasm.load", err)
	}
	exports := compiled.ExportedFunctions()
	for _, name := range requiredExports {
		if _, ok := exports[name]; !ok {
			_ = compiled.Close(ctx)
			return nil, ferrors.New(ferrors.NotFound, "wasm.load", "plugin does not export %q", name)
		}
	}

	factory := func(ctx context.Context) (module, error) {
		mod, err := r.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
		if err != nil {
			return nil, ferrors.Wrap(ferrors.Internal, "wasm.instantiate", err)
		}
		if init := mod.ExportedFunction("_initialize"); init != nil {
			if _, err := init.Call(ctx); err != nil {
				_ = mod.Close(ctx)
				return nil, ferrors.Wrap(ferrors.Internal, "wasm.instantiate", fmt.Errorf("_initialize: %w", err))
			}
		}
		return wasmModule{mod: mod}, nil
	}

	p, err := newPlugin(ctx, factory, r.config, compiled.Close)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	r.config.logger.Info("plugin loaded",
		slog.String("plugin", p.info.Name),
		slog.String("version", p.info.Version),
		slog.Any("capabilities", p.info.Capabilities))
	return p, nil
}
