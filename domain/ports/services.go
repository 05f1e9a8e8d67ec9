package ports

import (
	"context"

	"github.com/reglet-dev/filament-host/domain/entities"
)

// ToolExecutor runs host tools for tool.invoke events.
type ToolExecutor interface {
	// Definitions lists the tools that can be published to a context.
	Definitions() []entities.ToolDefinition

	// Invoke runs a tool with a JSON input document.
	Invoke(ctx context.Context, name string, input []byte) ([]byte, error)
}

// EnvSource answers env.get requests.
type EnvSource interface {
	LookupEnv(key string) (string, bool)
}

// KVBackend is the shared store behind every context namespace.
// Implementations must make ReplaceNamespace atomic.
type KVBackend interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, namespace, key string, value []byte) (bool, error)
	Delete(ctx context.Context, namespace, key string) error
	// Dump returns every key in the namespace.
	Dump(ctx context.Context, namespace string) (map[string][]byte, error)
	// ReplaceNamespace swaps the namespace contents for entries in one step.
	ReplaceNamespace(ctx context.Context, namespace string, entries map[string][]byte) error
}

// SnapshotArchive persists snapshot blobs beyond the host lifetime.
type SnapshotArchive interface {
	Put(ctx context.Context, rec SnapshotRecord) error
	Get(ctx context.Context, id string) (SnapshotRecord, error)
	List(ctx context.Context, contextID string) ([]SnapshotRecord, error)
	Close() error
}

// SnapshotRecord is one archived snapshot.
type SnapshotRecord struct {
	ID        string
	ContextID string
	Plugin    string
	Digest    string
	Data      []byte
	CreatedAt int64 // unix nanoseconds
}

// Clock supplies wall and monotonic time to the scheduler.
type Clock interface {
	Now() int64       // unix nanoseconds
	Monotonic() int64 // nanoseconds since an arbitrary origin
}
