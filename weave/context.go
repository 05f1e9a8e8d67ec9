// Package weave drives plugin turns against contexts.
//
// A Context owns the per-context state: timeline, arena, blob space and
// kv namespace. The Scheduler runs turns against a Context under the
// budgets of a weave record and commits their output atomically.
package weave

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reglet-dev/filament-host/arena"
	"github.com/reglet-dev/filament-host/blob"
	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/gateway"
	"github.com/reglet-dev/filament-host/kv"
	"github.com/reglet-dev/filament-host/snapshot"
	"github.com/reglet-dev/filament-host/timeline"
)

// ContextConfig describes a new context.
type ContextConfig struct {
	Plugin       ports.Plugin
	Arenas       *arena.Registry
	Blobs        *blob.Store
	KV           *kv.Store
	Gateway      *gateway.Gateway
	Logger       *slog.Logger
	Grants       *entities.GrantSet
	ID           string
	PluginConfig entities.Config
	HostInfo     entities.HostInfo
	Handle       entities.Address
}

// Context is the unit of isolation. Turns, snapshots, restores, prunes and
// resets are mutually exclusive; a second caller gets RESOURCE_BUSY.
type Context struct {
	plugin    ports.Plugin
	instance  ports.Instance
	grants    *entities.GrantSet
	timeline  *timeline.Timeline
	arena     *arena.Arena
	arenas    *arena.Registry
	blobStore *blob.Store
	blobs     *blob.Space
	kv        *kv.Store
	gateway   *gateway.Gateway
	logger    *slog.Logger

	// quarantine is the terminal error of a faulted context.
	quarantine error

	id     string
	cfg    entities.Config
	info   entities.PluginInfo
	host   entities.HostInfo
	handle entities.Address
	caps   entities.CapabilitySet

	epoch     uint64
	seenEpoch uint64
	lastMono  int64

	mu     sync.Mutex
	busy   atomic.Bool
	closed atomic.Bool
}

// NewContext creates the plugin instance for a context and prepares it.
func NewContext(ctx context.Context, cfg ContextConfig) (*Context, error) {
	if cfg.Plugin == nil {
		return nil, ferrors.New(ferrors.InvalidArgument, "weave.context", "plugin is required")
	}
	if cfg.ID == "" {
		return nil, ferrors.New(ferrors.InvalidArgument, "weave.context", "context id is required")
	}
	if cfg.Arenas == nil {
		cfg.Arenas = arena.NewRegistry()
	}
	if cfg.Blobs == nil {
		cfg.Blobs = blob.NewStore()
	}
	if cfg.KV == nil {
		cfg.KV = kv.NewStore(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HostInfo == (entities.HostInfo{}) {
		cfg.HostInfo = entities.DefaultHostInfo()
	}

	info := cfg.Plugin.Info()
	if info.MinMemoryBytes > cfg.HostInfo.MaxArenaBytes {
		return nil, ferrors.Wrap(ferrors.OutOfMemory, "weave.context", &ferrors.MemoryError{
			Requested: info.MinMemoryBytes,
			Limit:     cfg.HostInfo.MaxArenaBytes,
		})
	}

	caps, unknown := entities.ParseCapabilities(info.Capabilities)
	logger := cfg.Logger.With(slog.String("context_id", cfg.ID), slog.String("plugin", info.Name))
	if len(unknown) > 0 {
		logger.Warn("plugin declares unknown capabilities", slog.Any("capabilities", unknown))
	}

	a, err := cfg.Arenas.New()
	if err != nil {
		return nil, err
	}
	if cfg.Handle == entities.NullAddress {
		cfg.Handle = entities.MakeAddress(a.ID(), 0, entities.MinValidOffset)
	}

	c := &Context{
		plugin:    cfg.Plugin,
		grants:    cfg.Grants,
		timeline:  timeline.New(),
		arena:     a,
		arenas:    cfg.Arenas,
		blobStore: cfg.Blobs,
		blobs:     cfg.Blobs.Space(cfg.ID),
		kv:        cfg.KV,
		gateway:   cfg.Gateway,
		logger:    logger,
		id:        cfg.ID,
		cfg:       cfg.PluginConfig,
		info:      info,
		host:      cfg.HostInfo,
		handle:    cfg.Handle,
		caps:      caps,
	}

	inst, err := c.createInstance(ctx)
	if err != nil {
		cfg.Arenas.Release(a)
		cfg.Blobs.Drop(cfg.ID)
		return nil, err
	}
	c.instance = inst
	return c, nil
}

func (c *Context) createInstance(ctx context.Context) (ports.Instance, error) {
	inst, err := c.plugin.Create(ctx, c.host, c.cfg)
	if err != nil {
		return nil, err
	}
	if err := inst.Prepare(ctx); err != nil {
		if derr := inst.Destroy(ctx); derr != nil {
			c.logger.Warn("destroy after failed prepare", slog.Any("error", derr))
		}
		return nil, err
	}
	return inst, nil
}

// ID returns the context id, which is also its kv namespace.
func (c *Context) ID() string { return c.id }

// Handle returns the opaque handle passed to the plugin in each record.
func (c *Context) Handle() entities.Address { return c.handle }

// PluginInfo returns the identity record of the plugin.
func (c *Context) PluginInfo() entities.PluginInfo { return c.info }

// Capabilities returns the declared capability set.
func (c *Context) Capabilities() entities.CapabilitySet { return c.caps }

// Grants returns the fine-grained grants of the context.
func (c *Context) Grants() *entities.GrantSet { return c.grants }

// Timeline returns the event log.
func (c *Context) Timeline() *timeline.Timeline { return c.timeline }

// Arena returns the call-scoped arena.
func (c *Context) Arena() *arena.Arena { return c.arena }

// Blobs returns the blob space.
func (c *Context) Blobs() *blob.Space { return c.blobs }

// Epoch returns the snapshot epoch.
func (c *Context) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Quarantined returns the terminal error of a faulted context, or nil.
func (c *Context) Quarantined() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quarantine
}

func (c *Context) setQuarantine(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quarantine == nil {
		c.quarantine = err
	}
}

func (c *Context) bumpEpoch() {
	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()
}

// acquire takes the single-writer guard.
func (c *Context) acquire(op string) error {
	if c.closed.Load() {
		return ferrors.New(ferrors.NotFound, op, "context %s is closed", c.id)
	}
	if !c.busy.CompareAndSwap(false, true) {
		return ferrors.New(ferrors.ResourceBusy, op, "context %s busy", c.id)
	}
	return nil
}

func (c *Context) release() {
	c.busy.Store(false)
}

// maintenance returns a turn for calls made outside a weave, such as
// state capture. It cannot emit events.
func (c *Context) maintenance(ctx context.Context) *turn {
	return newTurn(ctx, c, nil, turnLimits{readOnly: true})
}

// Snapshot captures the context into a new system blob and returns its id.
func (c *Context) Snapshot(ctx context.Context) (uint64, error) {
	if err := c.acquire("weave.snapshot"); err != nil {
		return 0, err
	}
	defer c.release()

	data, err := c.encodeSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	id, err := c.blobs.CreateSystem(data)
	if err != nil {
		return 0, err
	}
	c.logger.Debug("snapshot taken", slog.Uint64("blob_id", id), slog.Int("bytes", len(data)))
	return id, nil
}

func (c *Context) encodeSnapshot(ctx context.Context) ([]byte, error) {
	entries, err := c.kv.Export(ctx, c.id)
	if err != nil {
		return nil, err
	}
	snap := snapshot.Snapshot{
		KV:        entries,
		ContextID: c.id,
		Plugin:    c.info.Name,
		Blobs:     c.blobs.Export(),
		Timeline:  c.timeline.Export(),
		Epoch:     c.Epoch(),
		CreatedAt: time.Now().UnixNano(),
	}

	if si, ok := c.stateful(); ok {
		defer c.arena.Reset()
		state, err := si.SnapshotState(ctx, c.maintenance(ctx))
		if err != nil {
			return nil, ferrors.Wrap(ferrors.CodeOf(err), "weave.snapshot", err)
		}
		snap.PluginState = state
	}
	return snapshot.Encode(snap)
}

func (c *Context) stateful() (ports.StatefulInstance, bool) {
	if !c.caps.Has(entities.CapStateful) {
		return nil, false
	}
	si, ok := c.instance.(ports.StatefulInstance)
	return si, ok
}

// Restore replaces the context state with the snapshot stored in blobID.
// Everything is verified before the first mutation; a failure leaves the
// context as it was.
func (c *Context) Restore(ctx context.Context, blobID uint64) error {
	if err := c.acquire("weave.restore"); err != nil {
		return err
	}
	defer c.release()
	if err := c.Quarantined(); err != nil {
		return err
	}

	size, err := c.blobs.Size(blobID)
	if err != nil {
		return err
	}
	data, err := c.blobs.Read(blobID, 0, size)
	if err != nil {
		return err
	}
	return c.restore(ctx, data)
}

// RestoreImage applies an encoded snapshot that does not live in the blob
// space, such as one loaded from an archive.
func (c *Context) RestoreImage(ctx context.Context, data []byte) error {
	if err := c.acquire("weave.restore"); err != nil {
		return err
	}
	defer c.release()
	if err := c.Quarantined(); err != nil {
		return err
	}
	return c.restore(ctx, data)
}

func (c *Context) restore(ctx context.Context, data []byte) error {
	snap, err := snapshot.Decode(data)
	if err != nil {
		return err
	}
	if snap.Plugin != c.info.Name {
		return ferrors.New(ferrors.InvalidArgument, "weave.restore",
			"snapshot belongs to plugin %q, context runs %q", snap.Plugin, c.info.Name)
	}
	if current := c.timeline.PruneEpoch(); snap.Timeline.PruneEpoch < current {
		return ferrors.New(ferrors.VersionMismatch, "weave.restore",
			"snapshot prune epoch %d is older than %d", snap.Timeline.PruneEpoch, current)
	}
	if err := snap.Timeline.Validate(); err != nil {
		return err
	}
	if err := c.blobs.Validate(snap.Blobs); err != nil {
		return err
	}
	si, stateful := c.stateful()
	if len(snap.PluginState) > 0 && !stateful {
		return ferrors.New(ferrors.InvalidArgument, "weave.restore",
			"snapshot carries plugin state but the plugin is not stateful")
	}

	// Requests and responses queued after the snapshot refer to events the
	// restore removes; they are dropped once the restore succeeds.
	reattach := func() {}
	if c.gateway != nil {
		reattach = c.gateway.Detach(c.id)
	}
	previous, err := c.kv.Export(ctx, c.id)
	if err != nil {
		reattach()
		return err
	}
	if err := c.kv.Replace(ctx, c.id, snap.KV); err != nil {
		reattach()
		return err
	}
	if stateful {
		defer c.arena.Reset()
		if err := si.RestoreState(ctx, c.maintenance(ctx), snap.PluginState); err != nil {
			if rerr := c.kv.Replace(ctx, c.id, previous); rerr != nil {
				c.logger.Error("kv rollback failed", slog.Any("error", rerr))
			}
			reattach()
			return ferrors.Wrap(ferrors.CodeOf(err), "weave.restore", err)
		}
	}

	c.timeline.Replace(snap.Timeline)
	c.blobs.Replace(snap.Blobs)
	c.mu.Lock()
	c.epoch = max(c.epoch, snap.Epoch) + 1
	c.mu.Unlock()

	c.logger.Info("snapshot restored",
		slog.Uint64("epoch", c.Epoch()),
		slog.Uint64("last_event_id", snap.Timeline.LastID))
	return nil
}

// Prune drops timeline entries below beforeIdx.
func (c *Context) Prune(beforeIdx uint64) error {
	if err := c.acquire("weave.prune"); err != nil {
		return err
	}
	defer c.release()
	if err := c.Quarantined(); err != nil {
		return err
	}
	return c.timeline.Prune(beforeIdx)
}

// Inject commits host-originated events outside a turn, for instance
// tool definitions. Events are normalized and validated like plugin
// output; the batch is committed whole or not at all.
func (c *Context) Inject(events ...entities.Event) ([]entities.Event, error) {
	if err := c.acquire("weave.inject"); err != nil {
		return nil, err
	}
	defer c.release()
	if err := c.Quarantined(); err != nil {
		return nil, err
	}
	batch := make([]entities.Event, len(events))
	for i, e := range events {
		e = e.Clone()
		e.Normalize()
		if err := e.Validate(); err != nil {
			return nil, ferrors.Wrap(ferrors.InvalidArgument, "weave.inject", err)
		}
		batch[i] = e
	}
	return c.timeline.Append(batch, timeline.Stamp{Now: uint64(time.Now().UnixNano())})
}

// Reset recreates the plugin instance and lifts a quarantine. The
// timeline, blobs and kv namespace are kept; the arena starts a new
// generation and the epoch advances so the next turn sees NEW_VERSION.
func (c *Context) Reset(ctx context.Context) error {
	if err := c.acquire("weave.reset"); err != nil {
		return err
	}
	defer c.release()

	if c.instance != nil {
		if err := c.instance.Destroy(ctx); err != nil {
			c.logger.Warn("destroy on reset", slog.Any("error", err))
		}
		c.instance = nil
	}
	c.arena.Reset()

	inst, err := c.createInstance(ctx)
	if err != nil {
		c.mu.Lock()
		c.quarantine = ferrors.Wrap(ferrors.CodeOf(err), "weave.reset", err)
		c.mu.Unlock()
		return err
	}
	c.instance = inst

	c.mu.Lock()
	c.quarantine = nil
	c.epoch++
	c.mu.Unlock()
	c.logger.Info("context reset")
	return nil
}

// Close destroys the instance and frees the arena and blob space. The kv
// namespace outlives the context.
func (c *Context) Close(ctx context.Context) error {
	if err := c.acquire("weave.close"); err != nil {
		return err
	}
	c.closed.Store(true)
	defer c.release()

	var err error
	if c.instance != nil {
		err = c.instance.Destroy(ctx)
		c.instance = nil
	}
	c.arenas.Release(c.arena)
	c.blobStore.Drop(c.id)
	return err
}
