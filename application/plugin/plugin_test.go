package plugin_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/filament-host/application/config"
	"github.com/reglet-dev/filament-host/application/plugin"
	"github.com/reglet-dev/filament-host/blob"
	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/kv"
	"github.com/reglet-dev/filament-host/timeline"
	"github.com/reglet-dev/filament-host/weave"
)

type shoutConfig struct {
	Suffix string `json:"suffix"`
}

func newShouter(caps ...string) *plugin.PluginDefinition {
	def := plugin.DefinePlugin(plugin.PluginDef{
		Name:         "shouter",
		Version:      "0.2.0",
		Description:  "upper-cases notes",
		Config:       shoutConfig{},
		Capabilities: caps,
	})
	err := def.Handle("app.note", func(_ context.Context, req *plugin.Request) ([]entities.Event, error) {
		if string(req.Event.Payload) == "fail" {
			return nil, ferrors.New(ferrors.InvalidArgument, "shout", "refusing to shout")
		}
		suffix := config.GetStringDefault(req.Config, "suffix", "!")
		return []entities.Event{{
			TypeURI:       "app.shout",
			RefID:         req.Event.ID,
			Payload:       []byte(strings.ToUpper(string(req.Event.Payload)) + suffix),
			PayloadFormat: entities.FormatUTF8,
		}}, nil
	})
	if err != nil {
		panic(err)
	}
	return def
}

func newContext(t *testing.T, def *plugin.PluginDefinition, cfg entities.Config) *weave.Context {
	t.Helper()
	wc, err := weave.NewContext(context.Background(), weave.ContextConfig{
		ID:           "ctx-" + t.Name(),
		Plugin:       def,
		Blobs:        blob.NewStore(),
		KV:           kv.NewStore(nil),
		PluginConfig: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = wc.Close(context.Background()) })
	return wc
}

func note(text string) entities.Event {
	return entities.Event{TypeURI: "app.note", Payload: []byte(text), PayloadFormat: entities.FormatUTF8}
}

func shouts(t *testing.T, wc *weave.Context) []string {
	t.Helper()
	s, err := wc.Timeline().Read(0, 100, timeline.ReadOptions{})
	require.NoError(t, err)
	var out []string
	for _, e := range s.Events {
		if e.TypeURI == "app.shout" {
			out = append(out, string(e.Payload))
		}
	}
	return out
}

func TestDefinition_Info(t *testing.T) {
	def := newShouter(entities.CapNameStateful)

	info := def.Info()
	assert.Equal(t, "shouter", info.Name)
	assert.Equal(t, entities.Magic, info.Magic)
	assert.Equal(t, []string{entities.CapNameStateful}, info.Capabilities)
	assert.Equal(t, []string{entities.CapNameKV, entities.CapNameStateful}, newShouter(entities.CapNameKV).Info().Capabilities,
		"the cursor is always snapshot state")

	m := def.Manifest()
	assert.Equal(t, "shouter", m.Name)
	assert.Equal(t, "upper-cases notes", m.Description)
	assert.Equal(t, []string{entities.CapNameStateful}, m.Declares)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(def.ConfigSchema(), &schema))
	assert.Contains(t, schema["properties"], "suffix")

	assert.JSONEq(t, `{}`, string(plugin.DefinePlugin(plugin.PluginDef{Name: "bare"}).ConfigSchema()))
}

func TestDefinition_Weave(t *testing.T) {
	ctx := context.Background()
	def := newShouter()
	wc := newContext(t, def, entities.Config{{Key: "suffix", Value: entities.String("?")}})
	sched := weave.NewScheduler()

	_, err := wc.Inject(note("hi"), note("there"))
	require.NoError(t, err)
	out, err := sched.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	assert.Equal(t, weave.StatusCommitted, out.Status)
	assert.Equal(t, []string{"HI?", "THERE?"}, shouts(t, wc))

	// Already seen events are not handled again.
	_, err = wc.Inject(note("again"))
	require.NoError(t, err)
	_, err = sched.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	assert.Equal(t, []string{"HI?", "THERE?", "AGAIN?"}, shouts(t, wc))
}

func TestDefinition_HandlerError(t *testing.T) {
	ctx := context.Background()
	wc := newContext(t, newShouter(), nil)

	_, err := wc.Inject(note("ok"), note("fail"))
	require.NoError(t, err)
	out, err := weave.NewScheduler().Weave(ctx, wc, entities.WeaveInfo{})
	require.Error(t, err)
	assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))
	assert.Equal(t, weave.StatusError, out.Status)
	assert.Empty(t, shouts(t, wc), "a failed turn commits nothing")
}

func TestDefinition_StatefulCursor(t *testing.T) {
	ctx := context.Background()
	wc := newContext(t, newShouter(entities.CapNameStateful), nil)
	sched := weave.NewScheduler()

	_, err := wc.Inject(note("one"))
	require.NoError(t, err)
	_, err = sched.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)

	snap, err := wc.Snapshot(ctx)
	require.NoError(t, err)

	_, err = wc.Inject(note("two"))
	require.NoError(t, err)
	_, err = sched.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ONE!", "TWO!"}, shouts(t, wc))

	require.NoError(t, wc.Restore(ctx, snap))
	assert.Equal(t, []string{"ONE!"}, shouts(t, wc))

	_, err = wc.Inject(note("three"))
	require.NoError(t, err)
	_, err = sched.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ONE!", "THREE!"}, shouts(t, wc), "restored cursor skips handled events")
}

func TestDefinition_RestoreRewindsCursor(t *testing.T) {
	ctx := context.Background()
	wc := newContext(t, newShouter(), nil)
	sched := weave.NewScheduler()

	_, err := wc.Inject(note("a"))
	require.NoError(t, err)
	_, err = sched.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	snap, err := wc.Snapshot(ctx)
	require.NoError(t, err)

	_, err = wc.Inject(note("b"), note("c"))
	require.NoError(t, err)
	_, err = sched.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)

	require.NoError(t, wc.Restore(ctx, snap))
	_, err = wc.Inject(note("x"), note("y"))
	require.NoError(t, err)
	out, err := sched.Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	assert.Len(t, out.Committed, 2)
	assert.Equal(t, []string{"A!", "X!", "Y!"}, shouts(t, wc), "events at reused indexes are handled")
}

func TestDefinition_FailedTurnKeepsCursor(t *testing.T) {
	ctx := context.Background()
	calls := 0
	def := plugin.DefinePlugin(plugin.PluginDef{Name: "slow"})
	require.NoError(t, def.Handle("app.note", func(_ context.Context, req *plugin.Request) ([]entities.Event, error) {
		calls++
		if calls == 1 {
			time.Sleep(20 * time.Millisecond)
		}
		return []entities.Event{{TypeURI: "app.shout", RefID: req.Event.ID, Payload: req.Event.Payload}}, nil
	}))
	wc := newContext(t, def, nil)
	sched := weave.NewScheduler()

	_, err := wc.Inject(note("late"))
	require.NoError(t, err)
	_, err = sched.Weave(ctx, wc, entities.WeaveInfo{TimeLimitNs: uint64(5 * time.Millisecond)})
	require.Error(t, err)
	assert.Equal(t, ferrors.TimedOut, ferrors.CodeOf(err))
	assert.Empty(t, shouts(t, wc))

	_, err = sched.Weave(ctx, wc, entities.WeaveInfo{TimeLimitNs: uint64(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"late"}, shouts(t, wc))
}

func TestDefinition_PrunedTimeline(t *testing.T) {
	ctx := context.Background()
	wc := newContext(t, newShouter(), nil)

	_, err := wc.Inject(note("old"), note("new"))
	require.NoError(t, err)
	require.NoError(t, wc.Prune(1))

	_, err = weave.NewScheduler().Weave(ctx, wc, entities.WeaveInfo{})
	require.NoError(t, err)
	assert.Equal(t, []string{"NEW!"}, shouts(t, wc))
}
