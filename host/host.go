package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/reglet-dev/filament-host/arena"
	"github.com/reglet-dev/filament-host/blob"
	"github.com/reglet-dev/filament-host/config"
	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/gateway"
	"github.com/reglet-dev/filament-host/host/registry"
	"github.com/reglet-dev/filament-host/hostfuncs"
	"github.com/reglet-dev/filament-host/infrastructure/grantstore"
	"github.com/reglet-dev/filament-host/infrastructure/kvredis"
	"github.com/reglet-dev/filament-host/infrastructure/sqlitearchive"
	wasm "github.com/reglet-dev/filament-host/infrastructure/wazero"
	"github.com/reglet-dev/filament-host/kv"
	flog "github.com/reglet-dev/filament-host/log"
	"github.com/reglet-dev/filament-host/metrics"
	"github.com/reglet-dev/filament-host/snapshot"
	"github.com/reglet-dev/filament-host/weave"
)

type registeredPlugin struct {
	plugin ports.Plugin
	grants *entities.GrantSet
}

// Host owns the plugins and contexts of one process and the components
// they share.
type Host struct {
	config    config.HostConfig
	opts      hostOptions
	logger    *slog.Logger
	metrics   *metrics.Collector
	arenas    *arena.Registry
	blobs     *blob.Store
	kv        *kv.Store
	gateway   *gateway.Gateway
	scheduler *weave.Scheduler
	loader    *Loader
	closers   []io.Closer

	runtimeOnce sync.Once
	runtime     *wasm.Runtime
	runtimeErr  error

	mu       sync.RWMutex
	plugins  map[string]registeredPlugin
	contexts map[string]*weave.Context
	closed   bool
}

// New validates cfg and builds a Host. Storage backends named in cfg are
// opened here unless an option supplies them.
func New(ctx context.Context, cfg config.HostConfig, opts ...Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o hostOptions
	for _, opt := range opts {
		opt(&o)
	}

	h := &Host{
		config:   cfg,
		opts:     o,
		plugins:  make(map[string]registeredPlugin),
		contexts: make(map[string]*weave.Context),
	}
	if err := h.build(ctx); err != nil {
		h.closeResources()
		return nil, err
	}
	return h, nil
}

func (h *Host) build(ctx context.Context) error {
	cfg, o := h.config, h.opts

	h.logger = o.logger
	if h.logger == nil {
		l, err := flog.NewLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
		if err != nil {
			return &ferrors.ConfigError{Field: "log", Err: err}
		}
		h.logger = l
	}

	reg := o.registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := metrics.New(reg)
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, "host.metrics", err)
	}
	h.metrics = m

	h.arenas = arena.NewRegistry(arena.WithCeiling(cfg.Limits.ArenaBytes), arena.WithGauge(m.ArenaGauge()))
	h.blobs = blob.NewStore(blob.WithMaxBlobBytes(cfg.Limits.MaxBlobBytes))

	backend := o.kvBackend
	if backend == nil && cfg.Storage.RedisAddr != "" {
		rb, err := kvredis.Dial(ctx, cfg.Storage.RedisAddr, kvredis.WithPrefix(cfg.Storage.RedisPrefix))
		if err != nil {
			return err
		}
		h.closers = append(h.closers, rb)
		backend = rb
	}
	h.kv = kv.NewStore(backend)

	if o.archive == nil && cfg.Storage.ArchivePath != "" {
		a, err := sqlitearchive.Open(ctx, cfg.Storage.ArchivePath)
		if err != nil {
			return err
		}
		h.opts.archive = a
	}
	if h.opts.archive != nil {
		h.closers = append(h.closers, h.opts.archive)
	}
	if o.grants == nil && cfg.Storage.GrantsPath != "" {
		h.opts.grants = grantstore.NewFileStore(grantstore.WithPath(cfg.Storage.GrantsPath))
	}

	client := o.httpClient
	if client == nil {
		client = hostfuncs.NewHTTPClient(
			hostfuncs.WithHTTPRequestTimeout(cfg.Gateway.HTTPTimeout),
			hostfuncs.WithHTTPMaxBodySize(cfg.Gateway.HTTPMaxBodyBytes),
			hostfuncs.WithHTTPSSRFProtection(hostfuncs.WithAllowPrivate(cfg.Gateway.AllowPrivateNetworks)),
		)
	}
	gwOpts := []gateway.Option{
		gateway.WithLogger(h.logger),
		gateway.WithMetrics(m),
		gateway.WithHTTPClient(client),
		gateway.WithKV(h.kv),
		gateway.WithBlobs(h.blobs),
		gateway.WithRate(cfg.Gateway.Rate, cfg.Gateway.Burst),
		gateway.WithWorkers(cfg.Gateway.Workers),
		gateway.WithMaxEventBytes(uint64(cfg.Limits.MaxEventBytes)),
	}
	if o.tools != nil {
		gwOpts = append(gwOpts, gateway.WithTools(o.tools))
	}
	if o.env != nil {
		gwOpts = append(gwOpts, gateway.WithEnv(o.env))
	}
	h.gateway = gateway.New(gwOpts...)

	schedOpts := []weave.Option{
		weave.WithLogger(h.logger),
		weave.WithMetrics(m),
		weave.WithGateway(h.gateway),
		weave.WithTimeLimit(cfg.Limits.TimeLimit),
		weave.WithMaxEventBytes(uint64(cfg.Limits.MaxEventBytes)),
	}
	if o.tracer != nil {
		schedOpts = append(schedOpts, weave.WithTracer(o.tracer))
	}
	if o.clock != nil {
		schedOpts = append(schedOpts, weave.WithClock(o.clock))
	}
	h.scheduler = weave.NewScheduler(schedOpts...)

	caps, err := registry.NewDefaultRegistry()
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, "host.registry", err)
	}
	loaderOpts := []LoaderOption{WithRegistry(caps), WithLoaderLogger(h.logger)}
	if h.opts.grants != nil {
		loaderOpts = append(loaderOpts, WithGrantStore(h.opts.grants))
	}
	if o.prompter != nil {
		loaderOpts = append(loaderOpts, WithPrompter(o.prompter))
	}
	h.loader = NewLoader(loaderOpts...)
	return nil
}

// Config returns the configuration the host was built with.
func (h *Host) Config() config.HostConfig { return h.config }

// Logger returns the host logger.
func (h *Host) Logger() *slog.Logger { return h.logger }

// Gateway returns the capability gateway.
func (h *Host) Gateway() *gateway.Gateway { return h.gateway }

// Scheduler returns the weave scheduler.
func (h *Host) Scheduler() *weave.Scheduler { return h.scheduler }

// KV returns the shared kv store.
func (h *Host) KV() *kv.Store { return h.kv }

// Loader returns the manifest loader.
func (h *Host) Loader() *Loader { return h.loader }

func (h *Host) wasmRuntime(ctx context.Context) (*wasm.Runtime, error) {
	h.runtimeOnce.Do(func() {
		h.runtime, h.runtimeErr = wasm.NewRuntime(ctx,
			wasm.WithLogger(h.logger),
			wasm.WithMemoryLimitBytes(h.config.Limits.ArenaBytes),
			wasm.WithMaxTransferBytes(h.config.Limits.MaxBlobBytes),
		)
	})
	return h.runtime, h.runtimeErr
}

// LoadWasm compiles a wasm plugin image and registers it under the name
// it reports. manifest may be nil.
func (h *Host) LoadWasm(ctx context.Context, image, manifest []byte) (entities.PluginInfo, error) {
	rt, err := h.wasmRuntime(ctx)
	if err != nil {
		return entities.PluginInfo{}, ferrors.Wrap(ferrors.Internal, "host.runtime", err)
	}
	p, err := rt.Load(ctx, image)
	if err != nil {
		return entities.PluginInfo{}, err
	}
	if err := h.Register(ctx, p, manifest); err != nil {
		_ = p.Close(ctx)
		return entities.PluginInfo{}, err
	}
	return p.Info(), nil
}

// Register admits a plugin. With a manifest, its grants pass through the
// loader; without one, the grant store's entry for the plugin applies.
// The manifest must name the plugin and may only declare capabilities
// the plugin itself declares.
func (h *Host) Register(_ context.Context, p ports.Plugin, manifest []byte) error {
	info := p.Info()
	if info.Name == "" {
		return ferrors.New(ferrors.InvalidArgument, "host.register", "plugin has no name")
	}

	grants, err := h.admit(info, manifest)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ferrors.New(ferrors.NotFound, "host.register", "host is closed")
	}
	if _, ok := h.plugins[info.Name]; ok {
		return ferrors.New(ferrors.InvalidArgument, "host.register", "plugin %q already registered", info.Name)
	}
	h.plugins[info.Name] = registeredPlugin{plugin: p, grants: grants}
	h.logger.Info("plugin registered",
		slog.String("plugin", info.Name),
		slog.String("version", info.Version),
		slog.Any("capabilities", info.Capabilities))
	return nil
}

func (h *Host) admit(info entities.PluginInfo, raw []byte) (*entities.GrantSet, error) {
	if raw == nil {
		if h.opts.grants == nil {
			return nil, nil
		}
		g, err := h.opts.grants.Load(info.Name)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.IOFailure, "grants.load", err)
		}
		return g, nil
	}

	m, err := h.loader.LoadManifest(raw, h.opts.values)
	if err != nil {
		return nil, err
	}
	if m.Name != info.Name {
		return nil, ferrors.New(ferrors.InvalidArgument, "host.register",
			"manifest names %q but plugin reports %q", m.Name, info.Name)
	}
	pluginCaps, _ := entities.ParseCapabilities(info.Capabilities)
	manifestCaps, _ := entities.ParseCapabilities(m.Declares)
	if extra := manifestCaps &^ pluginCaps; extra != 0 {
		return nil, ferrors.New(ferrors.InvalidArgument, "host.register",
			"manifest declares %v which plugin %q does not", extra.Names(), info.Name)
	}
	return h.loader.Admit(m)
}

// Plugins lists registered plugins by name.
func (h *Host) Plugins() []entities.PluginInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]entities.PluginInfo, 0, len(h.plugins))
	for _, p := range h.plugins {
		out = append(out, p.plugin.Info())
	}
	slices.SortFunc(out, func(a, b entities.PluginInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// NewContext creates a context for a registered plugin and returns its
// id. Plugins declaring the tool capability get the host's tool
// definitions committed as their first events.
func (h *Host) NewContext(ctx context.Context, plugin string, cfg entities.Config) (string, error) {
	h.mu.RLock()
	rp, ok := h.plugins[plugin]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return "", ferrors.New(ferrors.NotFound, "host.context", "host is closed")
	}
	if !ok {
		return "", ferrors.New(ferrors.NotFound, "host.context", "plugin %q", plugin)
	}

	id := uuid.NewString()
	wc, err := weave.NewContext(ctx, weave.ContextConfig{
		ID:           id,
		Plugin:       rp.plugin,
		Arenas:       h.arenas,
		Blobs:        h.blobs,
		KV:           h.kv,
		Gateway:      h.gateway,
		Logger:       h.logger,
		Grants:       rp.grants.Clone(),
		PluginConfig: cfg,
		HostInfo:     h.config.HostInfo(),
	})
	if err != nil {
		return "", err
	}
	if err := h.publishTools(wc); err != nil {
		_ = wc.Close(ctx)
		return "", err
	}

	h.mu.Lock()
	h.contexts[id] = wc
	h.mu.Unlock()
	return id, nil
}

// PublishTools commits the host's tool definitions to a context again,
// for instance after the tool set changed.
func (h *Host) PublishTools(id string) error {
	wc, err := h.Context(id)
	if err != nil {
		return err
	}
	if h.opts.tools == nil {
		return ferrors.New(ferrors.NotConfigured, "host.tools", "no tools configured")
	}
	return h.publishTools(wc)
}

func (h *Host) publishTools(wc *weave.Context) error {
	if h.opts.tools == nil || !wc.Capabilities().Has(entities.CapTool) {
		return nil
	}
	defs := h.opts.tools.Definitions()
	events := make([]entities.Event, 0, len(defs))
	for _, def := range defs {
		payload, err := json.Marshal(def)
		if err != nil {
			return ferrors.Wrap(ferrors.Internal, "host.tools", err)
		}
		events = append(events, entities.Event{
			TypeURI:       entities.URIToolDef,
			Payload:       payload,
			PayloadFormat: entities.FormatJSON,
		})
	}
	if len(events) == 0 {
		return nil
	}
	_, err := wc.Inject(events...)
	return err
}

// Context returns a live context.
func (h *Host) Context(id string) (*weave.Context, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	wc, ok := h.contexts[id]
	if !ok {
		return nil, ferrors.New(ferrors.NotFound, "host.context", "context %q", id)
	}
	return wc, nil
}

// Weave runs one turn. Zero limits in info take the host defaults.
func (h *Host) Weave(ctx context.Context, id string, info entities.WeaveInfo) (weave.Outcome, error) {
	wc, err := h.Context(id)
	if err != nil {
		return weave.Outcome{Status: weave.StatusRejected}, err
	}
	if info.MaxLogBytes == 0 {
		info.MaxLogBytes = h.config.Limits.MaxLogBytes
	}
	return h.scheduler.Weave(ctx, wc, info)
}

// Resolve serves every queued gateway request. Responses are delivered at
// the start of each context's next turn.
func (h *Host) Resolve(ctx context.Context) error {
	return h.gateway.Resolve(ctx)
}

// Snapshot captures a context into a blob of its own space.
func (h *Host) Snapshot(ctx context.Context, id string) (uint64, error) {
	wc, err := h.Context(id)
	if err != nil {
		return 0, err
	}
	return wc.Snapshot(ctx)
}

// Restore rolls a context back to a snapshot blob.
func (h *Host) Restore(ctx context.Context, id string, blobID uint64) error {
	wc, err := h.Context(id)
	if err != nil {
		return err
	}
	return wc.Restore(ctx, blobID)
}

// Prune drops timeline entries below beforeIdx.
func (h *Host) Prune(id string, beforeIdx uint64) error {
	wc, err := h.Context(id)
	if err != nil {
		return err
	}
	return wc.Prune(beforeIdx)
}

// Reset recreates a context's plugin instance.
func (h *Host) Reset(ctx context.Context, id string) error {
	wc, err := h.Context(id)
	if err != nil {
		return err
	}
	return wc.Reset(ctx)
}

func (h *Host) archive(op string) (ports.SnapshotArchive, error) {
	if h.opts.archive == nil {
		return nil, ferrors.New(ferrors.NotConfigured, op, "no snapshot archive configured")
	}
	return h.opts.archive, nil
}

// Archive snapshots a context into the archive and returns the record id.
// The intermediate snapshot blob is removed.
func (h *Host) Archive(ctx context.Context, id string) (string, error) {
	a, err := h.archive("host.archive")
	if err != nil {
		return "", err
	}
	wc, err := h.Context(id)
	if err != nil {
		return "", err
	}
	blobID, err := wc.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = wc.Blobs().Delete(blobID) }()

	data, err := wc.Blobs().Read(blobID, 0, math.MaxUint64)
	if err != nil {
		return "", err
	}
	digest, err := snapshot.Digest(data)
	if err != nil {
		return "", err
	}
	rec := ports.SnapshotRecord{
		ID:        uuid.NewString(),
		ContextID: id,
		Plugin:    wc.PluginInfo().Name,
		Digest:    digest,
		Data:      data,
		CreatedAt: time.Now().UnixNano(),
	}
	if err := a.Put(ctx, rec); err != nil {
		return "", err
	}
	h.logger.Info("snapshot archived",
		slog.String("context_id", id),
		slog.String("record", rec.ID),
		slog.Int("bytes", len(data)))
	return rec.ID, nil
}

// RestoreArchived applies an archived snapshot to a context of the same
// plugin.
func (h *Host) RestoreArchived(ctx context.Context, id, recordID string) error {
	a, err := h.archive("host.restore_archived")
	if err != nil {
		return err
	}
	wc, err := h.Context(id)
	if err != nil {
		return err
	}
	rec, err := a.Get(ctx, recordID)
	if err != nil {
		return err
	}
	return wc.RestoreImage(ctx, rec.Data)
}

// Archived lists the archive records of a context, oldest first.
func (h *Host) Archived(ctx context.Context, id string) ([]ports.SnapshotRecord, error) {
	a, err := h.archive("host.archived")
	if err != nil {
		return nil, err
	}
	return a.List(ctx, id)
}

// CloseContext destroys a context and drops its pending gateway work.
func (h *Host) CloseContext(ctx context.Context, id string) error {
	h.mu.Lock()
	wc, ok := h.contexts[id]
	delete(h.contexts, id)
	h.mu.Unlock()
	if !ok {
		return ferrors.New(ferrors.NotFound, "host.close_context", "context %q", id)
	}
	h.gateway.Forget(id)
	return wc.Close(ctx)
}

// Close closes every context and plugin, then the storage backends.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	contexts := h.contexts
	plugins := h.plugins
	h.contexts = make(map[string]*weave.Context)
	h.plugins = make(map[string]registeredPlugin)
	h.mu.Unlock()

	var errs []error
	for id, wc := range contexts {
		h.gateway.Forget(id)
		if err := wc.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range plugins {
		if err := p.plugin.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if h.runtime != nil {
		if err := h.runtime.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, h.closeResources())
	return errors.Join(errs...)
}

func (h *Host) closeResources() error {
	var errs []error
	for _, c := range h.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	if h.arenas != nil {
		h.arenas.Close()
	}
	return errors.Join(errs...)
}
