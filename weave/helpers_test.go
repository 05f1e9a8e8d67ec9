package weave

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/filament-host/blob"
	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/gateway"
	"github.com/reglet-dev/filament-host/kv"
)

type turnFunc func(ctx context.Context, tc ports.TurnContext, info *entities.WeaveInfo) ports.TurnResult

// scriptPlugin runs whatever turn function the test installs.
type scriptPlugin struct {
	turn      turnFunc
	createErr error
	info      entities.PluginInfo
	mu        sync.Mutex
	created   int
	destroyed int
	commits   []bool
}

func newScriptPlugin(turn turnFunc, caps ...string) *scriptPlugin {
	return &scriptPlugin{
		turn: turn,
		info: entities.PluginInfo{
			Name:            "script",
			Version:         "1.0.0",
			Capabilities:    caps,
			Magic:           entities.Magic,
			RequiredVersion: entities.Version0_1_0,
		},
	}
}

func (p *scriptPlugin) Info() entities.PluginInfo { return p.info }

func (p *scriptPlugin) Create(context.Context, entities.HostInfo, entities.Config) (ports.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created++
	return &scriptInstance{plugin: p}, nil
}

func (p *scriptPlugin) Close(context.Context) error { return nil }

func (p *scriptPlugin) setTurn(fn turnFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turn = fn
}

type scriptInstance struct {
	plugin *scriptPlugin
	state  []byte
}

var (
	_ ports.StatefulInstance = (*scriptInstance)(nil)
	_ ports.CommitObserver   = (*scriptInstance)(nil)
)

func (i *scriptInstance) Prepare(context.Context) error { return nil }

func (i *scriptInstance) Weave(ctx context.Context, tc ports.TurnContext, info *entities.WeaveInfo) ports.TurnResult {
	i.plugin.mu.Lock()
	fn := i.plugin.turn
	i.plugin.mu.Unlock()
	if fn == nil {
		return ports.TurnResult{Status: entities.ResultDone}
	}
	return fn(ctx, tc, info)
}

func (i *scriptInstance) TurnCommitted(committed bool) {
	i.plugin.mu.Lock()
	defer i.plugin.mu.Unlock()
	i.plugin.commits = append(i.plugin.commits, committed)
}

func (i *scriptInstance) Destroy(context.Context) error {
	i.plugin.mu.Lock()
	defer i.plugin.mu.Unlock()
	i.plugin.destroyed++
	return nil
}

func (i *scriptInstance) SnapshotState(context.Context, ports.TurnContext) ([]byte, error) {
	return append([]byte(nil), i.state...), nil
}

func (i *scriptInstance) RestoreState(_ context.Context, _ ports.TurnContext, state []byte) error {
	i.state = append([]byte(nil), state...)
	return nil
}

// emitting returns a turn that emits events and finishes.
func emitting(events ...entities.Event) turnFunc {
	return func(_ context.Context, tc ports.TurnContext, _ *entities.WeaveInfo) ports.TurnResult {
		if err := tc.Emit(events...); err != nil {
			return ports.TurnResult{Status: entities.ResultError, ErrorText: []byte(err.Error())}
		}
		return ports.TurnResult{Status: entities.ResultDone}
	}
}

func note(text string) entities.Event {
	return entities.Event{TypeURI: "app.note", Payload: []byte(text), PayloadFormat: entities.FormatUTF8}
}

type contextOption func(*ContextConfig)

func withGrants(g *entities.GrantSet) contextOption {
	return func(c *ContextConfig) { c.Grants = g }
}

func withKV(s *kv.Store) contextOption {
	return func(c *ContextConfig) { c.KV = s }
}

func withGateway(g *gateway.Gateway) contextOption {
	return func(c *ContextConfig) { c.Gateway = g }
}

func newTestContext(t *testing.T, p *scriptPlugin, opts ...contextOption) *Context {
	t.Helper()
	cfg := ContextConfig{
		ID:     "ctx-" + t.Name(),
		Plugin: p,
		Blobs:  blob.NewStore(),
		KV:     kv.NewStore(nil),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	wc, err := NewContext(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wc.Close(context.Background()) })
	return wc
}

// recordingMetrics keeps what the scheduler reports.
type recordingMetrics struct {
	mu       sync.Mutex
	statuses []string
	events   int
}

func (m *recordingMetrics) ObserveTurn(status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func (m *recordingMetrics) AddEventsCommitted(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events += n
}

func (m *recordingMetrics) IncGatewayRequest(string, string) {}

// fixedClock returns a monotonic time that advances by a second per read.
type fixedClock struct {
	mono int64
}

func (c *fixedClock) Now() int64 { return 1_700_000_000_000_000_000 }

func (c *fixedClock) Monotonic() int64 {
	c.mono += int64(time.Second)
	return c.mono
}

func newKVStore(t *testing.T, namespace string, entries map[string]string) *kv.Store {
	t.Helper()
	store := kv.NewStore(nil)
	for k, v := range entries {
		_, err := store.Apply(context.Background(), namespace, entities.OpAppend, entities.KVUpdate{Key: k, Value: []byte(v)})
		require.NoError(t, err)
	}
	return store
}
