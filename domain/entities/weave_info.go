package entities

import "time"

// WeaveInfo is the per-call configuration and live budget ledger handed to
// a turn. The caller fills the limits; the scheduler fills the live fields.
type WeaveInfo struct {
	Trace TraceContext `json:"trace"`

	// Limits set by the caller. Zero means "use the host default".
	TimeLimitNs   uint64 `json:"time_limit_ns" validate:"omitempty,min=1000"`
	ResourceMax   uint64 `json:"resource_max"`
	MaxMemBytes   uint64 `json:"max_mem_bytes"`
	MaxLogBytes   uint32 `json:"max_log_bytes"`
	MaxEventBytes uint32 `json:"max_event_bytes"`
	MinLogLevel   uint32 `json:"min_log_level" validate:"lte=3"`

	// RecursionDepth is the nesting of this call; nested weaves pass depth+1.
	RecursionDepth uint32 `json:"recursion_depth"`

	// Live fields populated by the scheduler before the turn runs.
	ResourceUsed  uint64     `json:"resource_used"`
	Context       Address    `json:"ctx"`
	ArenaHandle   Address    `json:"arena_handle"`
	TimelineLen   uint64     `json:"timeline_len"`
	LastEventID   uint64     `json:"last_event_id"`
	RandomSeed    uint64     `json:"random_seed"`
	CurrentTime   uint64     `json:"current_time"`
	MonotonicTime uint64     `json:"monotonic_time"`
	DeltaTimeNs   uint64     `json:"delta_time_ns"`
	Flags         WeaveFlags `json:"weave_flags"`
}

// TimeLimit returns the configured limit as a duration.
func (w WeaveInfo) TimeLimit() time.Duration {
	return time.Duration(w.TimeLimitNs)
}

// NewVersion reports whether the record marks a new snapshot epoch.
func (w WeaveInfo) NewVersion() bool {
	return w.Flags&WeaveFlagNewVersion != 0
}

// Log levels carried in MinLogLevel.
const (
	LogLevelDebug uint32 = 0
	LogLevelInfo  uint32 = 1
	LogLevelWarn  uint32 = 2
	LogLevelError uint32 = 3
)

// HostInfo is what the host advertises to plugins at creation.
type HostInfo struct {
	SupportedFormats  uint32 `json:"supported_formats"`
	MaxRecursionDepth uint32 `json:"max_recursion_depth" validate:"gte=64"`
	MaxGraphNodes     uint64 `json:"max_graph_nodes" validate:"gte=4096"`
	MaxArenaBytes     uint64 `json:"max_arena_bytes" validate:"gte=67108864"`
}

// DefaultHostInfo returns the ABI floors.
func DefaultHostInfo() HostInfo {
	return HostInfo{
		SupportedFormats:  SupportedFormats,
		MaxRecursionDepth: MinRecursion,
		MaxGraphNodes:     MinGraphNodes,
		MaxArenaBytes:     MinArenaBytes,
	}
}

// PluginInfo is what a plugin declares about itself at load time.
type PluginInfo struct {
	Name            string   `json:"name" validate:"required"`
	Version         string   `json:"version"`
	Capabilities    []string `json:"capabilities,omitempty"`
	Extensions      Chain    `json:"extensions,omitempty"`
	MinMemoryBytes  uint64   `json:"min_memory_bytes"`
	MinStackBytes   uint64   `json:"min_stack_bytes"`
	LookbackHint    uint64   `json:"lookback_hint"`
	Magic           uint32   `json:"magic"`
	RecordType      uint32   `json:"s_type"`
	RequiredVersion uint32   `json:"req_abi_version"`
	Flags           uint32   `json:"flags"`
}
