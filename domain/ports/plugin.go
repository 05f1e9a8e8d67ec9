package ports

import (
	"context"
	"log/slog"

	"github.com/reglet-dev/filament-host/domain/entities"
)

// Plugin is a loaded plugin image. It is safe to create several instances
// from one plugin.
type Plugin interface {
	// Info returns the identity record read once at load.
	Info() entities.PluginInfo

	// Create builds a new instance bound to the given host limits.
	Create(ctx context.Context, host entities.HostInfo, cfg entities.Config) (Instance, error)

	// Close releases the image.
	Close(ctx context.Context) error
}

// Instance is a live plugin instance driven by the scheduler.
type Instance interface {
	// Prepare runs once before the first turn.
	Prepare(ctx context.Context) error

	// Weave runs one turn. Output events are handed over through
	// turn.Emit; the returned result tells the scheduler how to proceed.
	Weave(ctx context.Context, turn TurnContext, info *entities.WeaveInfo) TurnResult

	// Destroy releases the instance. It is called exactly once.
	Destroy(ctx context.Context) error
}

// StatefulInstance is implemented by instances that declare
// filament.cap.stateful and carry private state across snapshots.
type StatefulInstance interface {
	Instance
	SnapshotState(ctx context.Context, turn TurnContext) ([]byte, error)
	RestoreState(ctx context.Context, turn TurnContext, state []byte) error
}

// CommitObserver is implemented by instances that advance private
// progress in a turn. After a turn that reported ResultDone the scheduler
// tells the instance whether its output was committed.
type CommitObserver interface {
	TurnCommitted(committed bool)
}

// TurnResult is the outcome of a turn as reported by the plugin.
type TurnResult struct {
	// ErrorText holds the error buffer for ResultError: either JSON
	// {"code":N,"message":"..."} or plain text.
	ErrorText []byte
	Status    entities.Result
}

// TurnContext is the host surface visible to a plugin during a turn.
// Every call is checked against the turn's budget and deadline.
type TurnContext interface {
	// ContextID identifies the context the turn runs against.
	ContextID() string

	// ContextHandle is the opaque handle the plugin passes back to imports.
	ContextHandle() entities.Address

	// Memory is the call-scoped arena.
	Memory() Memory

	// ReadTimeline returns up to limit events starting at start.
	ReadTimeline(start, limit uint64, flags entities.ReadFlags) (TimelineSlice, error)

	BlobCreate(sizeHint uint64) (uint64, error)
	BlobWrite(id, offset uint64, data []byte) error
	BlobRead(id, offset, limit uint64) ([]byte, error)
	BlobDelete(id uint64) error

	// KVGet reads a key in the context namespace. Requires filament.std.kv.
	KVGet(key string) ([]byte, error)

	// Log forwards a plugin log record through the capped handler.
	Log(level slog.Level, msg string, attrs ...slog.Attr)

	// Emit stages output events for commit at the end of the turn.
	Emit(events ...entities.Event) error

	// Rand returns the next value of the turn's deterministic generator.
	Rand() uint64
}

// TimelineSlice is the result of a timeline read.
type TimelineSlice struct {
	Events       []entities.Event
	FirstIndex   uint64
	BytesWritten uint64
	// View is non-zero for zero-copy reads and stays valid until the
	// next mutation of the timeline.
	View uint64
}

// Memory is addressable memory shared across the plugin boundary.
type Memory interface {
	Reserve(size uint64) (entities.Address, error)
	Write(addr entities.Address, data []byte) error
	Read(addr entities.Address, n uint64) ([]byte, error)
}
