package weave

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/filament-host/blob"
	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/gateway"
	"github.com/reglet-dev/filament-host/snapshot"
	"github.com/reglet-dev/filament-host/timeline"
)

func TestNewContext(t *testing.T) {
	p := newScriptPlugin(nil, entities.CapNameKV, "filament.std.teleport")
	wc := newTestContext(t, p)

	assert.True(t, wc.Capabilities().Has(entities.CapKV))
	assert.Equal(t, 1, wc.Capabilities().Len(), "unknown names grant nothing")
	assert.Equal(t, "script", wc.PluginInfo().Name)
	assert.Equal(t, 1, p.created)
	assert.Zero(t, wc.Epoch())
}

func TestNewContext_Errors(t *testing.T) {
	t.Run("no plugin", func(t *testing.T) {
		_, err := NewContext(context.Background(), ContextConfig{ID: "a"})
		assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))
	})

	t.Run("no id", func(t *testing.T) {
		_, err := NewContext(context.Background(), ContextConfig{Plugin: newScriptPlugin(nil)})
		assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))
	})

	t.Run("memory floor above host limit", func(t *testing.T) {
		p := newScriptPlugin(nil)
		p.info.MinMemoryBytes = entities.MinArenaBytes + 1
		_, err := NewContext(context.Background(), ContextConfig{ID: "a", Plugin: p})
		assert.Equal(t, ferrors.OutOfMemory, ferrors.CodeOf(err))
	})

	t.Run("create fails", func(t *testing.T) {
		p := newScriptPlugin(nil)
		p.createErr = ferrors.New(ferrors.NotConfigured, "plugin.create", "missing key")
		_, err := NewContext(context.Background(), ContextConfig{ID: "a", Plugin: p})
		assert.Equal(t, ferrors.NotConfigured, ferrors.CodeOf(err))
	})
}

func TestContext_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler()
	store := newKVStore(t, "ctx-TestContext_SnapshotRestore", map[string]string{"state/n": "1"})
	p := newScriptPlugin(emitting(note("a")), entities.CapNameStateful)
	wc := newTestContext(t, p, withKV(store))

	_, err := s.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	dataBlob, err := wc.Blobs().Create(0)
	require.NoError(t, err)
	require.NoError(t, wc.Blobs().Write(dataBlob, 0, []byte("kept")))
	wc.instance.(*scriptInstance).state = []byte("plugin-v1")

	snapID, err := wc.Snapshot(ctx)
	require.NoError(t, err)

	// Diverge.
	p.setTurn(emitting(note("b"), note("c")))
	_, err = s.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	_, err = store.Apply(ctx, wc.ID(), entities.OpAppend, entities.KVUpdate{Key: "state/n", Value: []byte("2")})
	require.NoError(t, err)
	require.NoError(t, wc.Blobs().Write(dataBlob, 0, []byte("lost")))
	extra, err := wc.Blobs().Create(0)
	require.NoError(t, err)
	wc.instance.(*scriptInstance).state = []byte("plugin-v2")
	require.Equal(t, uint64(3), wc.Timeline().Len())

	require.NoError(t, wc.Restore(ctx, snapID))

	assert.Equal(t, uint64(1), wc.Timeline().Len())
	assert.Equal(t, uint64(1), wc.Timeline().LastID())
	v, err := store.Get(ctx, wc.ID(), "state/n")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	data, err := wc.Blobs().Read(dataBlob, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), data)
	_, err = wc.Blobs().Size(extra)
	assert.True(t, errors.Is(err, ferrors.ErrNotFound))
	_, err = wc.Blobs().Size(snapID)
	assert.NoError(t, err, "snapshot blobs survive a restore")
	assert.Equal(t, []byte("plugin-v1"), wc.instance.(*scriptInstance).state)
	assert.Equal(t, uint64(1), wc.Epoch())

	var flagged bool
	p.setTurn(func(_ context.Context, tc ports.TurnContext, info *entities.WeaveInfo) ports.TurnResult {
		flagged = info.NewVersion()
		_ = tc.Emit(note("d"))
		return ports.TurnResult{Status: entities.ResultDone}
	})
	out, err := s.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	assert.True(t, flagged)
	assert.Equal(t, uint64(2), out.Committed[0].ID, "ids continue from the restored timeline")
}

func TestContext_SnapshotIsSelfDescribing(t *testing.T) {
	ctx := context.Background()
	wc := newTestContext(t, newScriptPlugin(emitting(note("a"))))
	_, err := NewScheduler().Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)

	id, err := wc.Snapshot(ctx)
	require.NoError(t, err)
	size, err := wc.Blobs().Size(id)
	require.NoError(t, err)
	data, err := wc.Blobs().Read(id, 0, size)
	require.NoError(t, err)

	snap, err := snapshot.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, wc.ID(), snap.ContextID)
	assert.Equal(t, "script", snap.Plugin)
	assert.Len(t, snap.Timeline.Events, 1)
	assert.Empty(t, snap.PluginState, "state is only captured for stateful plugins")

	second, err := wc.Snapshot(ctx)
	require.NoError(t, err)
	size, err = wc.Blobs().Size(second)
	require.NoError(t, err)
	data, err = wc.Blobs().Read(second, 0, size)
	require.NoError(t, err)
	snap, err = snapshot.Decode(data)
	require.NoError(t, err)
	assert.Empty(t, snap.Blobs.Blobs, "snapshots do not capture earlier snapshots")
}

func TestContext_RestoreFailuresLeaveState(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler()

	setup := func(t *testing.T) (*Context, uint64) {
		t.Helper()
		wc := newTestContext(t, newScriptPlugin(emitting(note("a"))))
		_, err := s.Weave(ctx, wc, entities.WeaveInfo{})
		require.NoError(t, err)
		id, err := wc.Snapshot(ctx)
		require.NoError(t, err)
		_, err = s.Weave(ctx, wc, entities.WeaveInfo{})
		require.NoError(t, err)
		return wc, id
	}

	t.Run("pruned since snapshot", func(t *testing.T) {
		wc, id := setup(t)
		require.NoError(t, wc.Prune(1))

		err := wc.Restore(ctx, id)
		assert.Equal(t, ferrors.VersionMismatch, ferrors.CodeOf(err))
		assert.Equal(t, uint64(2), wc.Timeline().Len())
		assert.Zero(t, wc.Epoch())
	})

	t.Run("corrupt image", func(t *testing.T) {
		wc, _ := setup(t)
		bad, err := wc.Blobs().Create(0)
		require.NoError(t, err)
		require.NoError(t, wc.Blobs().Write(bad, 0, []byte("FLSN garbage")))

		err = wc.Restore(ctx, bad)
		assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))
		assert.Equal(t, uint64(2), wc.Timeline().Len())
	})

	t.Run("missing blob", func(t *testing.T) {
		wc, _ := setup(t)
		err := wc.Restore(ctx, 999)
		assert.Equal(t, ferrors.NotFound, ferrors.CodeOf(err))
	})

	t.Run("other plugin", func(t *testing.T) {
		wc, _ := setup(t)
		image, err := snapshot.Encode(snapshot.Snapshot{Plugin: "someone-else", Blobs: blob.State{}})
		require.NoError(t, err)

		err = wc.RestoreImage(ctx, image)
		assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))
		assert.Equal(t, uint64(2), wc.Timeline().Len())
	})
}

func TestContext_RestoreDropsGatewayWork(t *testing.T) {
	ctx := context.Background()
	gw := gateway.New(gateway.WithEnv(gateway.MapEnv{"APP_MODE": "blue"}))
	s := NewScheduler(WithGateway(gw))

	p := newScriptPlugin(emitting(note("first")), entities.CapNameEnv)
	wc := newTestContext(t, p, withGateway(gw), withGrants(&entities.GrantSet{
		Env: &entities.EnvironmentCapability{Variables: []string{"APP_*"}},
	}))

	_, err := s.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	snap, err := wc.Snapshot(ctx)
	require.NoError(t, err)

	body, err := json.Marshal(entities.EnvGet{Key: "APP_MODE"})
	require.NoError(t, err)
	p.setTurn(emitting(entities.Event{TypeURI: entities.URIEnvGet, Payload: body}))
	_, err = s.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	require.NoError(t, gw.Resolve(ctx))

	require.NoError(t, wc.Restore(ctx, snap))
	assert.Equal(t, uint64(1), wc.Timeline().Len())
	assert.Zero(t, gw.Pending(wc.ID()))

	p.setTurn(emitting(note("second")))
	out, err := s.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	require.Len(t, out.Committed, 1)

	slice, err := wc.Timeline().Read(0, 10, timeline.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, slice.Events, 2, "the response to a rolled back request is not delivered")
	for _, e := range slice.Events {
		assert.Equal(t, "app.note", e.TypeURI)
		assert.Zero(t, e.RefID)
	}
}

func TestContext_MaintenanceTurnCannotEmit(t *testing.T) {
	wc := newTestContext(t, newScriptPlugin(nil))
	tc := wc.maintenance(context.Background())

	err := tc.Emit(note("x"))
	assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))
	assert.Equal(t, wc.ID(), tc.ContextID())
}

func TestContext_Prune(t *testing.T) {
	wc := newTestContext(t, newScriptPlugin(emitting(note("a"), note("b"), note("c"))))
	_, err := NewScheduler().Weave(context.Background(), wc, entities.WeaveInfo{})
	require.NoError(t, err)

	snap, err := wc.Snapshot(context.Background())
	require.NoError(t, err)
	require.NoError(t, wc.Prune(0))
	require.NoError(t, wc.Restore(context.Background(), snap), "a prune that drops nothing keeps snapshots restorable")

	require.NoError(t, wc.Prune(2))
	assert.Equal(t, uint64(2), wc.Timeline().FirstIndex())
	assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(wc.Prune(10)))
	assert.Equal(t, ferrors.VersionMismatch, ferrors.CodeOf(wc.Restore(context.Background(), snap)))
}

func TestContext_ResetKeepsTimeline(t *testing.T) {
	wc := newTestContext(t, newScriptPlugin(emitting(note("a"))))
	_, err := NewScheduler().Weave(context.Background(), wc, entities.WeaveInfo{})
	require.NoError(t, err)
	gen := wc.Arena().Generation()

	require.NoError(t, wc.Reset(context.Background()))
	assert.Equal(t, uint64(1), wc.Timeline().Len())
	assert.Equal(t, uint64(1), wc.Epoch())
	assert.NotEqual(t, gen, wc.Arena().Generation())
}

func TestContext_ResetFailureQuarantines(t *testing.T) {
	p := newScriptPlugin(nil)
	wc := newTestContext(t, p)
	p.createErr = ferrors.New(ferrors.IOFailure, "plugin.create", "image gone")

	require.Error(t, wc.Reset(context.Background()))
	require.Error(t, wc.Quarantined())

	_, err := NewScheduler().Weave(context.Background(), wc, entities.WeaveInfo{})
	assert.Equal(t, ferrors.IOFailure, ferrors.CodeOf(err))
}
