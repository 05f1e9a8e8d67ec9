package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToLogAttrWire(t *testing.T) {
	tests := []struct {
		name     string
		attr     slog.Attr
		wantType string
		wantVal  string
	}{
		{
			name:     "string",
			attr:     slog.String("key", "value"),
			wantType: "string",
			wantVal:  "value",
		},
		{
			name:     "int64",
			attr:     slog.Int64("key", 123),
			wantType: "int64",
			wantVal:  "123",
		},
		{
			name:     "bool",
			attr:     slog.Bool("key", true),
			wantType: "bool",
			wantVal:  "true",
		},
		{
			name:     "float64",
			attr:     slog.Float64("key", 1.23),
			wantType: "float64",
			wantVal:  "1.23",
		},
		{
			name:     "time",
			attr:     slog.Time("key", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
			wantType: "time",
			wantVal:  "2024-01-01T00:00:00Z",
		},
		{
			name:     "duration",
			attr:     slog.Duration("key", 1*time.Hour),
			wantType: "duration",
			wantVal:  "1h0m0s",
		},
		{
			name:     "error",
			attr:     slog.Any("key", errors.New("test error")),
			wantType: "error",
			wantVal:  "test error",
		},
		{
			name:     "nil",
			attr:     slog.Any("key", nil),
			wantType: "any",
			wantVal:  "<nil>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := toLogAttrWire(tt.attr)
			assert.Equal(t, tt.attr.Key, wire.Key)
			assert.Equal(t, tt.wantType, wire.Type)
			assert.Equal(t, tt.wantVal, wire.Value)
		})
	}
}

func TestToLogAttrWire_JSON(t *testing.T) {
	// Test structured object that should be serialized as JSON
	type MyStruct struct {
		Field string `json:"field"`
	}
	obj := MyStruct{Field: "data"}
	attr := slog.Any("key", obj)

	wire := toLogAttrWire(attr)
	assert.Equal(t, "key", wire.Key)
	assert.Equal(t, "json", wire.Type)

	var decoded MyStruct
	err := json.Unmarshal([]byte(wire.Value), &decoded)
	require.NoError(t, err)
	assert.Equal(t, obj, decoded)
}

func TestToLogAttrWire_LogValuer(t *testing.T) {
	// Test types that implement LogValuer
	attr := slog.Any("key", logValuer{val: "resolved"})
	wire := toLogAttrWire(attr)

	assert.Equal(t, "key", wire.Key)
	assert.Equal(t, "string", wire.Type)
	assert.Equal(t, "resolved", wire.Value)
}

type logValuer struct {
	val string
}

func (l logValuer) LogValue() slog.Value {
	return slog.StringValue(l.val)
}

func TestCapHandler_Defaults(t *testing.T) {
	h := NewCapHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	assert.True(t, h.Enabled(context.TODO(), slog.LevelInfo))
	assert.False(t, h.Enabled(context.TODO(), slog.LevelDebug))
}

func TestCapHandler_Truncates(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCapHandler(slog.NewJSONHandler(&buf, nil), WithMaxBytes(8)))

	logger.Info("short")
	logger.Info(strings.Repeat("x", 20), "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "short", first["msg"])
	assert.NotContains(t, first, TruncatedKey)
	assert.Equal(t, "xxxxxxxx", second["msg"])
	assert.Equal(t, true, second[TruncatedKey])
	assert.Equal(t, "v", second["k"])
}

func TestCapHandler_KeepsRunes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCapHandler(slog.NewTextHandler(&buf, nil), WithMaxBytes(4)))
	logger.Info("aé€")

	assert.Contains(t, buf.String(), "msg=aé ")
}

func TestCapHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCapHandler(slog.NewJSONHandler(&buf, nil))).
		With("plugin", "echo").
		WithGroup("turn")
	logger.Info("hello", "id", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "echo", rec["plugin"])
	assert.Equal(t, map[string]any{"id": float64(7)}, rec["turn"])
}

func TestForTurn(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger := ForTurn(base, entities.WeaveInfo{MinLogLevel: entities.LogLevelWarn, MaxLogBytes: 3})
	logger.Info("dropped")
	logger.Warn("kept message")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kep"`)
}

func TestLevelFromABI(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelFromABI(entities.LogLevelDebug))
	assert.Equal(t, slog.LevelInfo, LevelFromABI(entities.LogLevelInfo))
	assert.Equal(t, slog.LevelWarn, LevelFromABI(entities.LogLevelWarn))
	assert.Equal(t, slog.LevelError, LevelFromABI(entities.LogLevelError))
	assert.Equal(t, slog.LevelInfo, LevelFromABI(99))
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		level   string
		wantErr bool
		prefix  string
	}{
		{name: "json default", format: "", level: "info", prefix: "{"},
		{name: "text", format: "text", level: "DEBUG", prefix: "time="},
		{name: "bad format", format: "xml", level: "info", wantErr: true},
		{name: "bad level", format: "json", level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := NewLogger(&buf, tt.format, tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			logger.Info("ready")
			assert.True(t, strings.HasPrefix(buf.String(), tt.prefix))
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	data, err := EncodeRecord(slog.LevelWarn, "disk low",
		slog.Int64("free", 42),
		slog.Bool("critical", false),
		slog.Duration("since", time.Minute),
		slog.Any("err", errors.New("boom")),
	)
	require.NoError(t, err)

	level, msg, attrs, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
	assert.Equal(t, "disk low", msg)
	require.Len(t, attrs, 4)
	assert.Equal(t, int64(42), attrs[0].Value.Int64())
	assert.False(t, attrs[1].Value.Bool())
	assert.Equal(t, time.Minute, attrs[2].Value.Duration())
	assert.Equal(t, "boom", attrs[3].Value.String())

	_, _, _, err = DecodeRecord([]byte("{"))
	assert.Error(t, err)
}
