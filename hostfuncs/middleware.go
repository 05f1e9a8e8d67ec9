package hostfuncs

import (
	"context"
	"log/slog"
	"time"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
)

// Middleware wraps a ByteHandler. Registries apply middleware in FIFO
// order, onion style.
type Middleware func(next ByteHandler) ByteHandler

// RegistryOption configures a HandlerRegistry.
type RegistryOption func(*registryBuilder)

// PanicRecoveryMiddleware turns a handler panic into an INTERNAL error.
func PanicRecoveryMiddleware() Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp = nil
					err = ferrors.New(ferrors.Internal, "tool."+toolName(ctx), "panic: %v", r)
				}
			}()
			return next(ctx, payload)
		}
	}
}

// LoggingMiddleware records every invocation on logger.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			attrs := []any{
				slog.String("tool", toolName(ctx)),
				slog.Duration("elapsed", time.Since(start)),
				slog.Int("input_bytes", len(payload)),
			}
			if id, ok := ContextIDFrom(ctx); ok {
				attrs = append(attrs, slog.String("context_id", id))
			}
			if err != nil {
				logger.WarnContext(ctx, "tool failed", append(attrs, slog.Any("error", err))...)
			} else {
				logger.DebugContext(ctx, "tool completed", attrs...)
			}
			return resp, err
		}
	}
}

// TimeoutMiddleware bounds every invocation by d.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			name := toolName(ctx)
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			resp, err := next(ToolContextFrom(tctx, name), payload)
			if err == nil && tctx.Err() != nil {
				err = &ferrors.TimeoutError{Operation: "tool", Target: name, Duration: d}
			}
			return resp, err
		}
	}
}

func toolName(ctx context.Context) string {
	if tc, ok := ctx.(ToolContext); ok {
		return tc.ToolName()
	}
	return "unknown"
}
