package host_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/filament-host/config"
	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/host"
	"github.com/reglet-dev/filament-host/hostfuncs"
	"github.com/reglet-dev/filament-host/infrastructure/grantstore"
	"github.com/reglet-dev/filament-host/infrastructure/prompter"
	"github.com/reglet-dev/filament-host/infrastructure/sqlitearchive"
	"github.com/reglet-dev/filament-host/timeline"
	"github.com/reglet-dev/filament-host/weave"
)

type turnFunc func(tc ports.TurnContext) ports.TurnResult

// fakePlugin runs the turn function the test installs.
type fakePlugin struct {
	info entities.PluginInfo
	mu   sync.Mutex
	turn turnFunc
}

func newFakePlugin(name string, caps ...string) *fakePlugin {
	return &fakePlugin{info: entities.PluginInfo{
		Name:            name,
		Version:         "0.1.0",
		Capabilities:    caps,
		Magic:           entities.Magic,
		RequiredVersion: entities.Version0_1_0,
	}}
}

func (p *fakePlugin) Info() entities.PluginInfo { return p.info }

func (p *fakePlugin) Create(context.Context, entities.HostInfo, entities.Config) (ports.Instance, error) {
	return &fakeInstance{plugin: p}, nil
}

func (p *fakePlugin) Close(context.Context) error { return nil }

func (p *fakePlugin) setTurn(fn turnFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turn = fn
}

type fakeInstance struct {
	plugin *fakePlugin
}

func (i *fakeInstance) Prepare(context.Context) error { return nil }

func (i *fakeInstance) Weave(_ context.Context, tc ports.TurnContext, _ *entities.WeaveInfo) ports.TurnResult {
	i.plugin.mu.Lock()
	fn := i.plugin.turn
	i.plugin.mu.Unlock()
	if fn == nil {
		return ports.TurnResult{Status: entities.ResultDone}
	}
	return fn(tc)
}

func (i *fakeInstance) Destroy(context.Context) error { return nil }

func emit(events ...entities.Event) turnFunc {
	return func(tc ports.TurnContext) ports.TurnResult {
		if err := tc.Emit(events...); err != nil {
			return ports.TurnResult{Status: entities.ResultError, ErrorText: []byte(err.Error())}
		}
		return ports.TurnResult{Status: entities.ResultDone}
	}
}

func note(text string) entities.Event {
	return entities.Event{TypeURI: "app.note", Payload: []byte(text), PayloadFormat: entities.FormatUTF8}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newHost(t *testing.T, opts ...host.Option) *host.Host {
	t.Helper()
	opts = append([]host.Option{host.WithLogger(quietLogger())}, opts...)
	h, err := host.New(context.Background(), config.Default(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Workers = 0
	_, err := host.New(context.Background(), cfg)
	assert.Equal(t, ferrors.NotConfigured, ferrors.CodeOf(err))
}

func TestHost_WeaveCommits(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	h := newHost(t, host.WithRegisterer(reg))

	p := newFakePlugin("notes")
	p.setTurn(emit(note("a"), note("b")))
	require.NoError(t, h.Register(ctx, p, nil))

	id, err := h.NewContext(ctx, "notes", nil)
	require.NoError(t, err)

	out, err := h.Weave(ctx, id, entities.WeaveInfo{})
	require.NoError(t, err)
	assert.Equal(t, weave.StatusCommitted, out.Status)
	require.Len(t, out.Committed, 2)

	wc, err := h.Context(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), wc.Timeline().Len())

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "filament_turns_total")
	assert.Contains(t, names, "filament_events_committed_total")
}

func TestHost_Register(t *testing.T) {
	ctx := context.Background()
	h := newHost(t)

	require.NoError(t, h.Register(ctx, newFakePlugin("b"), nil))
	require.NoError(t, h.Register(ctx, newFakePlugin("a"), nil))

	err := h.Register(ctx, newFakePlugin("a"), nil)
	assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))

	err = h.Register(ctx, newFakePlugin(""), nil)
	assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))

	plugins := h.Plugins()
	require.Len(t, plugins, 2)
	assert.Equal(t, "a", plugins[0].Name)
	assert.Equal(t, "b", plugins[1].Name)
}

func TestHost_RegisterManifest(t *testing.T) {
	ctx := context.Background()

	t.Run("name mismatch", func(t *testing.T) {
		h := newHost(t)
		err := h.Register(ctx, newFakePlugin("fetcher"), []byte("name: other\n"))
		assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))
	})

	t.Run("declares more than plugin", func(t *testing.T) {
		h := newHost(t)
		manifest := []byte("name: fetcher\ndeclares: [filament.std.env]\n")
		err := h.Register(ctx, newFakePlugin("fetcher"), manifest)
		assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))
		assert.Contains(t, err.Error(), entities.CapNameEnv)
	})

	t.Run("rendered values", func(t *testing.T) {
		h := newHost(t, host.WithManifestValues(map[string]any{"host": "api.example.com"}))
		manifest := []byte(`name: fetcher
declares: [filament.std.net.http]
capabilities:
  network:
    rules:
      - hosts: [{{ .config.host | quote }}]
        ports: ["443"]
`)
		require.NoError(t, h.Register(ctx, newFakePlugin("fetcher", entities.CapNameNetHTTP), manifest))
		id, err := h.NewContext(ctx, "fetcher", nil)
		require.NoError(t, err)
		wc, err := h.Context(id)
		require.NoError(t, err)
		require.NotNil(t, wc.Grants().Network)
		assert.Equal(t, []string{"api.example.com"}, wc.Grants().Network.Rules[0].Hosts)
	})
}

func TestHost_RegisterNeedsApproval(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grants.yaml")
	store := grantstore.NewFileStore(grantstore.WithPath(path))
	var out bytes.Buffer
	h := newHost(t,
		host.WithGrants(store),
		host.WithOperatorPrompter(prompter.NewCliPrompter(&bytes.Buffer{}, &out, prompter.WithInteractive(false))))

	manifest := []byte(`name: reader
declares: [filament.std.env]
capabilities:
  env:
    vars: [HOME]
`)
	err := h.Register(ctx, newFakePlugin("reader", entities.CapNameEnv), manifest)
	assert.Equal(t, ferrors.PermissionDenied, ferrors.CodeOf(err))
	assert.Contains(t, err.Error(), "HOME")

	require.NoError(t, store.Save("reader", &entities.GrantSet{
		Env: &entities.EnvironmentCapability{Variables: []string{"HOME"}},
	}))
	require.NoError(t, h.Register(ctx, newFakePlugin("reader", entities.CapNameEnv), manifest))
}

func TestHost_RegisterWithoutManifestUsesGrantStore(t *testing.T) {
	ctx := context.Background()
	store := grantstore.NewFileStore(grantstore.WithPath(filepath.Join(t.TempDir(), "grants.yaml")))
	require.NoError(t, store.Save("reader", &entities.GrantSet{
		Env: &entities.EnvironmentCapability{Variables: []string{"APP_*"}},
	}))
	h := newHost(t, host.WithGrants(store))

	require.NoError(t, h.Register(ctx, newFakePlugin("reader", entities.CapNameEnv), nil))
	id, err := h.NewContext(ctx, "reader", nil)
	require.NoError(t, err)
	wc, err := h.Context(id)
	require.NoError(t, err)
	require.NotNil(t, wc.Grants().Env)
	assert.Equal(t, []string{"APP_*"}, wc.Grants().Env.Variables)
}

type pongClient struct{}

func (pongClient) Do(context.Context, ports.HTTPRequest) (*ports.HTTPResponse, error) {
	return &ports.HTTPResponse{StatusCode: 200, Body: []byte("pong")}, nil
}

func TestHost_GatewayRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, host.WithHTTPClient(pongClient{}))

	manifest := []byte(`name: fetcher
declares: [filament.std.net.http]
capabilities:
  network:
    rules:
      - hosts: [api.example.com]
        ports: ["443"]
`)
	p := newFakePlugin("fetcher", entities.CapNameNetHTTP)
	require.NoError(t, h.Register(ctx, p, manifest))
	id, err := h.NewContext(ctx, "fetcher", nil)
	require.NoError(t, err)

	payload, err := json.Marshal(entities.HTTPRequestPayload{URL: "https://api.example.com/ping", Method: "GET"})
	require.NoError(t, err)
	p.setTurn(emit(entities.Event{TypeURI: entities.URIHTTPRequest, Payload: payload, PayloadFormat: entities.FormatJSON}))

	out, err := h.Weave(ctx, id, entities.WeaveInfo{})
	require.NoError(t, err)
	require.Equal(t, weave.StatusCommitted, out.Status)
	requestID := out.Committed[0].ID

	require.NoError(t, h.Resolve(ctx))

	var seen []entities.Event
	p.setTurn(func(tc ports.TurnContext) ports.TurnResult {
		s, err := tc.ReadTimeline(0, 10, entities.ReadDefault)
		if err == nil {
			seen = s.Events
		}
		return ports.TurnResult{Status: entities.ResultDone}
	})
	_, err = h.Weave(ctx, id, entities.WeaveInfo{})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, entities.URIHTTPResponse, seen[1].TypeURI)
	assert.Equal(t, requestID, seen[1].RefID)
	var resp entities.HTTPResponsePayload
	require.NoError(t, json.Unmarshal(seen[1].Payload, &resp))
	assert.Equal(t, uint32(200), resp.Status)
	assert.Equal(t, []byte("pong"), resp.Body)
}

func TestHost_PublishesTools(t *testing.T) {
	ctx := context.Background()
	tools, err := hostfuncs.NewRegistry(hostfuncs.WithByteHandler("echo",
		func(_ context.Context, in []byte) ([]byte, error) { return in, nil }))
	require.NoError(t, err)
	h := newHost(t, host.WithTools(tools))

	require.NoError(t, h.Register(ctx, newFakePlugin("agent", entities.CapNameTool), nil))
	require.NoError(t, h.Register(ctx, newFakePlugin("plain"), nil))

	id, err := h.NewContext(ctx, "agent", nil)
	require.NoError(t, err)
	wc, err := h.Context(id)
	require.NoError(t, err)
	s, err := wc.Timeline().Read(0, 10, timeline.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, s.Events, 1)
	assert.Equal(t, entities.URIToolDef, s.Events[0].TypeURI)
	var def entities.ToolDefinition
	require.NoError(t, json.Unmarshal(s.Events[0].Payload, &def))
	assert.Equal(t, "echo", def.Name)

	require.NoError(t, h.PublishTools(id))
	assert.Equal(t, uint64(2), wc.Timeline().Len())

	plain, err := h.NewContext(ctx, "plain", nil)
	require.NoError(t, err)
	pc, err := h.Context(plain)
	require.NoError(t, err)
	assert.Zero(t, pc.Timeline().Len())

	bare := newHost(t)
	require.NoError(t, bare.Register(ctx, newFakePlugin("agent", entities.CapNameTool), nil))
	bareID, err := bare.NewContext(ctx, "agent", nil)
	require.NoError(t, err)
	assert.Equal(t, ferrors.NotConfigured, ferrors.CodeOf(bare.PublishTools(bareID)))
}

func TestHost_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	h := newHost(t)
	p := newFakePlugin("notes")
	require.NoError(t, h.Register(ctx, p, nil))
	id, err := h.NewContext(ctx, "notes", nil)
	require.NoError(t, err)

	p.setTurn(emit(note("a")))
	_, err = h.Weave(ctx, id, entities.WeaveInfo{})
	require.NoError(t, err)

	blobID, err := h.Snapshot(ctx, id)
	require.NoError(t, err)

	p.setTurn(emit(note("b"), note("c")))
	_, err = h.Weave(ctx, id, entities.WeaveInfo{})
	require.NoError(t, err)

	require.NoError(t, h.Restore(ctx, id, blobID))
	wc, err := h.Context(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), wc.Timeline().Len())

	require.NoError(t, h.Prune(id, 1))
	assert.Equal(t, uint64(1), wc.Timeline().FirstIndex())
	require.NoError(t, h.Reset(ctx, id))
}

func TestHost_Archive(t *testing.T) {
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		h := newHost(t)
		require.NoError(t, h.Register(ctx, newFakePlugin("notes"), nil))
		id, err := h.NewContext(ctx, "notes", nil)
		require.NoError(t, err)
		_, err = h.Archive(ctx, id)
		assert.Equal(t, ferrors.NotConfigured, ferrors.CodeOf(err))
	})

	t.Run("archive and restore", func(t *testing.T) {
		archive, err := sqlitearchive.Open(ctx, ":memory:")
		require.NoError(t, err)
		h := newHost(t, host.WithArchive(archive))

		p := newFakePlugin("notes")
		require.NoError(t, h.Register(ctx, p, nil))
		id, err := h.NewContext(ctx, "notes", nil)
		require.NoError(t, err)
		wc, err := h.Context(id)
		require.NoError(t, err)

		p.setTurn(emit(note("a")))
		_, err = h.Weave(ctx, id, entities.WeaveInfo{})
		require.NoError(t, err)
		blobsBefore := wc.Blobs().Len()

		recID, err := h.Archive(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, blobsBefore, wc.Blobs().Len(), "snapshot blob is released")

		recs, err := h.Archived(ctx, id)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, recID, recs[0].ID)
		assert.Equal(t, "notes", recs[0].Plugin)
		assert.NotEmpty(t, recs[0].Digest)

		p.setTurn(emit(note("b")))
		_, err = h.Weave(ctx, id, entities.WeaveInfo{})
		require.NoError(t, err)
		require.Equal(t, uint64(2), wc.Timeline().Len())

		require.NoError(t, h.RestoreArchived(ctx, id, recID))
		assert.Equal(t, uint64(1), wc.Timeline().Len())

		err = h.RestoreArchived(ctx, id, "missing")
		assert.Equal(t, ferrors.NotFound, ferrors.CodeOf(err))
	})
}

func TestHost_CloseContext(t *testing.T) {
	ctx := context.Background()
	h := newHost(t)
	require.NoError(t, h.Register(ctx, newFakePlugin("notes"), nil))

	_, err := h.NewContext(ctx, "missing", nil)
	assert.Equal(t, ferrors.NotFound, ferrors.CodeOf(err))

	id, err := h.NewContext(ctx, "notes", nil)
	require.NoError(t, err)
	require.NoError(t, h.CloseContext(ctx, id))

	_, err = h.Context(id)
	assert.Equal(t, ferrors.NotFound, ferrors.CodeOf(err))
	_, err = h.Weave(ctx, id, entities.WeaveInfo{})
	assert.Equal(t, ferrors.NotFound, ferrors.CodeOf(err))
	assert.Equal(t, ferrors.NotFound, ferrors.CodeOf(h.CloseContext(ctx, id)))
}

func TestHost_Close(t *testing.T) {
	ctx := context.Background()
	h, err := host.New(ctx, config.Default(), host.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, h.Register(ctx, newFakePlugin("notes"), nil))
	_, err = h.NewContext(ctx, "notes", nil)
	require.NoError(t, err)

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))

	_, err = h.NewContext(ctx, "notes", nil)
	assert.Equal(t, ferrors.NotFound, ferrors.CodeOf(err))
	assert.Empty(t, h.Plugins())
}

func TestHost_LoadWasmRejectsGarbage(t *testing.T) {
	h := newHost(t)
	_, err := h.LoadWasm(context.Background(), []byte("not wasm"), nil)
	assert.Equal(t, ferrors.InvalidArgument, ferrors.CodeOf(err))
}
