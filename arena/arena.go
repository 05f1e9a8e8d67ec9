// Package arena implements host-owned bump arenas addressed by
// generation-checked handles.
//
// An Address issued by an arena carries the arena id, the generation it was
// issued in, and an offset. Reset starts a new generation, which invalidates
// every address issued before it without touching the plugin.
package arena

import (
	"sync"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
)

const alignment = 8

// Gauge receives changes to the number of bytes in use.
// prometheus.Gauge satisfies it.
type Gauge interface {
	Add(float64)
}

// Arena is a single-generation bump allocator. It is safe for concurrent
// use, although a context only ever drives it from one goroutine at a time.
type Arena struct {
	gauge    Gauge
	buf      []byte
	ceiling  uint64
	budget   uint64
	used     uint64
	mu       sync.Mutex
	id       uint16
	gen      uint16
	released bool
}

var _ ports.Memory = (*Arena)(nil)

func newArena(id uint16, ceiling uint64, gauge Gauge) *Arena {
	return &Arena{id: id, gen: 1, ceiling: ceiling, gauge: gauge}
}

// ID returns the arena id encoded in every address it issues.
func (a *Arena) ID() uint16 { return a.id }

// Generation returns the current generation.
func (a *Arena) Generation() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

// Handle identifies the arena and its current generation. It is not
// dereferenceable.
func (a *Arena) Handle() entities.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return entities.MakeAddress(a.id, a.gen, 0)
}

// Used returns the bytes reserved in the current generation.
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Ceiling returns the host limit for this arena.
func (a *Arena) Ceiling() uint64 { return a.ceiling }

// SetBudget caps the bytes the current generation may reserve. Zero means
// only the host ceiling applies.
func (a *Arena) SetBudget(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budget = n
}

// Reserve returns zeroed memory of at least size bytes, aligned to 8.
func (a *Arena) Reserve(size uint64) (entities.Address, error) {
	if size == 0 {
		return entities.NullAddress, ferrors.New(ferrors.InvalidArgument, "arena.reserve", "zero-sized reservation")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return entities.NullAddress, ferrors.New(ferrors.MemoryAccess, "arena.reserve", "arena %d released", a.id)
	}

	start := alignUp(a.used)
	end := start + alignUp(size)
	limit := a.ceiling
	if a.budget > 0 && a.budget < limit {
		limit = a.budget
	}
	if end < start || end > limit {
		return entities.NullAddress, ferrors.Wrap(ferrors.OutOfMemory, "arena.reserve",
			&ferrors.MemoryError{Requested: size, Current: a.used, Limit: limit})
	}

	if need := int(end); need > len(a.buf) {
		a.buf = append(a.buf, make([]byte, need-len(a.buf))...)
	}
	if a.gauge != nil {
		a.gauge.Add(float64(end - a.used))
	}
	a.used = end
	return entities.MakeAddress(a.id, a.gen, uint32(start)+entities.MinValidOffset), nil
}

// Alloc reserves len(data) bytes and copies data into them.
func (a *Arena) Alloc(data []byte) (entities.Address, error) {
	addr, err := a.Reserve(uint64(max(len(data), 1)))
	if err != nil {
		return entities.NullAddress, err
	}
	if err := a.Write(addr, data); err != nil {
		return entities.NullAddress, err
	}
	return addr, nil
}

// Write copies data to addr.
func (a *Arena) Write(addr entities.Address, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	off, err := a.check("arena.write", addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(a.buf[off:], data)
	return nil
}

// Read returns a copy of n bytes at addr.
func (a *Arena) Read(addr entities.Address, n uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	off, err := a.check("arena.read", addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, a.buf[off:])
	return out, nil
}

// View returns n bytes at addr without copying. The slice aliases arena
// memory and must not be used after Reset.
func (a *Arena) View(addr entities.Address, n uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	off, err := a.check("arena.view", addr, n)
	if err != nil {
		return nil, err
	}
	return a.buf[off : off+n : off+n], nil
}

// Valid reports whether addr can be dereferenced for n bytes.
func (a *Arena) Valid(addr entities.Address, n uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.check("arena.valid", addr, n)
	return err == nil
}

func (a *Arena) check(op string, addr entities.Address, n uint64) (uint64, error) {
	if addr.IsNull() {
		return 0, ferrors.New(ferrors.InvalidArgument, op, "null address %s", addr)
	}
	if a.released {
		return 0, ferrors.New(ferrors.MemoryAccess, op, "arena %d released", a.id)
	}
	if addr.Arena() != a.id {
		return 0, ferrors.New(ferrors.MemoryAccess, op, "address %s belongs to arena %d", addr, addr.Arena())
	}
	if addr.Generation() != a.gen {
		return 0, ferrors.New(ferrors.MemoryAccess, op, "stale generation %d (current %d)", addr.Generation(), a.gen)
	}
	off := uint64(addr.Offset() - entities.MinValidOffset)
	if off+n < off || off+n > a.used {
		return 0, ferrors.New(ferrors.MemoryAccess, op, "%d bytes at %s out of bounds", n, addr)
	}
	return off, nil
}

// Reset starts a new generation. Every previously issued address becomes
// invalid and the memory is zeroed for reuse.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Arena) resetLocked() {
	if a.gauge != nil && a.used > 0 {
		a.gauge.Add(-float64(a.used))
	}
	a.buf = a.buf[:0]
	a.used = 0
	a.budget = 0
	a.gen++
	if a.gen == 0 {
		a.gen = 1
	}
}

// Release tears the arena down. Further use fails with MEMORY_ACCESS.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return
	}
	a.resetLocked()
	a.buf = nil
	a.released = true
}

func alignUp(n uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}
