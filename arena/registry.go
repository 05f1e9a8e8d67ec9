package arena

import (
	"sync"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
)

// maxCeiling keeps every offset representable in 32 bits.
const maxCeiling = 1<<32 - entities.MinValidOffset

type registryConfig struct {
	gauge   Gauge
	ceiling uint64
}

func defaultRegistryConfig() registryConfig {
	return registryConfig{ceiling: entities.MinArenaBytes}
}

// Option configures a Registry.
type Option func(*registryConfig)

// WithCeiling sets the per-arena host limit. Values below the ABI floor are
// raised to it.
func WithCeiling(n uint64) Option {
	return func(c *registryConfig) {
		c.ceiling = min(max(n, entities.MinArenaBytes), maxCeiling)
	}
}

// WithGauge reports bytes in use across all arenas.
func WithGauge(g Gauge) Option {
	return func(c *registryConfig) {
		c.gauge = g
	}
}

// Registry issues arena ids and resolves addresses to their arena. It is
// scoped to a host lifecycle.
type Registry struct {
	arenas map[uint16]*Arena
	config registryConfig
	mu     sync.RWMutex
	next   uint16
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	cfg := defaultRegistryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{arenas: make(map[uint16]*Arena), config: cfg}
}

// New creates an arena with a fresh id.
func (r *Registry) New() (*Arena, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ferrors.New(ferrors.NotConfigured, "arena.new", "registry closed")
	}
	for range 1 << 16 {
		r.next++
		if r.next == 0 {
			continue
		}
		if _, taken := r.arenas[r.next]; !taken {
			a := newArena(r.next, r.config.ceiling, r.config.gauge)
			r.arenas[a.id] = a
			return a, nil
		}
	}
	return nil, ferrors.New(ferrors.OutOfMemory, "arena.new", "all arena ids in use")
}

// Resolve returns the arena owning addr.
func (r *Registry) Resolve(addr entities.Address) (*Arena, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.arenas[addr.Arena()]
	if !ok {
		return nil, ferrors.New(ferrors.MemoryAccess, "arena.resolve", "no arena %d", addr.Arena())
	}
	return a, nil
}

// Release tears down a and frees its id.
func (r *Registry) Release(a *Arena) {
	if a == nil {
		return
	}
	a.Release()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.arenas[a.id] == a {
		delete(r.arenas, a.id)
	}
}

// Len returns the number of live arenas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.arenas)
}

// Close releases every arena. The registry cannot be used afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.arenas {
		a.Release()
		delete(r.arenas, id)
	}
	r.closed = true
}
