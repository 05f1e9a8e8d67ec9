// Package log builds the host's slog loggers and caps plugin log records.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/reglet-dev/filament-host/domain/entities"
)

// DefaultMaxLogBytes caps a plugin log message when the turn sets no cap.
const DefaultMaxLogBytes = 4 * 1024

// TruncatedKey marks a record whose message was cut.
const TruncatedKey = "log_truncated"

// CapHandler wraps a slog.Handler and enforces the per-turn plugin log
// limits: records below the minimum level are dropped and messages are cut
// to the byte cap.
type CapHandler struct {
	next slog.Handler
	opts handlerConfig
}

// HandlerOption configures a CapHandler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	level    slog.Level
	maxBytes int
}

func defaultHandlerConfig() handlerConfig {
	return handlerConfig{
		level:    slog.LevelInfo,
		maxBytes: DefaultMaxLogBytes,
	}
}

// WithLevel sets the minimum level passed through.
func WithLevel(level slog.Level) HandlerOption {
	return func(c *handlerConfig) {
		c.level = level
	}
}

// WithMaxBytes caps the message length. Zero keeps the default.
func WithMaxBytes(n int) HandlerOption {
	return func(c *handlerConfig) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// NewCapHandler wraps next.
func NewCapHandler(next slog.Handler, opts ...HandlerOption) *CapHandler {
	cfg := defaultHandlerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &CapHandler{next: next, opts: cfg}
}

// ForTurn returns a logger capped by the limits of one weave record.
func ForTurn(base *slog.Logger, info entities.WeaveInfo) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return slog.New(NewCapHandler(base.Handler(),
		WithLevel(LevelFromABI(info.MinLogLevel)),
		WithMaxBytes(int(info.MaxLogBytes)),
	))
}

// Enabled reports whether the handler handles records at the given level.
func (h *CapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.opts.level && h.next.Enabled(ctx, level)
}

// Handle cuts the message to the cap on a rune boundary and forwards it.
func (h *CapHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < h.opts.level {
		return nil
	}
	if len(record.Message) <= h.opts.maxBytes {
		return h.next.Handle(ctx, record)
	}

	msg := record.Message[:h.opts.maxBytes]
	for len(msg) > 0 && !utf8.ValidString(msg) {
		msg = msg[:len(msg)-1]
	}
	capped := slog.NewRecord(record.Time, record.Level, msg, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		capped.AddAttrs(a)
		return true
	})
	capped.AddAttrs(slog.Bool(TruncatedKey, true))
	return h.next.Handle(ctx, capped)
}

// WithAttrs returns a CapHandler whose wrapped handler carries attrs.
func (h *CapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CapHandler{next: h.next.WithAttrs(attrs), opts: h.opts}
}

// WithGroup returns a CapHandler whose wrapped handler opens a group.
func (h *CapHandler) WithGroup(name string) slog.Handler {
	return &CapHandler{next: h.next.WithGroup(name), opts: h.opts}
}

// LevelFromABI maps the MinLogLevel field of a weave record.
func LevelFromABI(l uint32) slog.Level {
	switch l {
	case entities.LogLevelDebug:
		return slog.LevelDebug
	case entities.LogLevelWarn:
		return slog.LevelWarn
	case entities.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// NewLogger builds the host logger. format is "json" or "text".
func NewLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
