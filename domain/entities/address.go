package entities

import "fmt"

// Address is an opaque, host-relative handle into arena memory.
//
// Layout: arena id (16 bits) | generation (16 bits) | offset (32 bits).
// A handle whose generation no longer matches its arena is stale and must
// be rejected rather than dereferenced.
type Address uint64

// NullAddress is never issued.
const NullAddress Address = 0

// MakeAddress builds a handle from its parts.
func MakeAddress(arena, generation uint16, offset uint32) Address {
	return Address(uint64(arena)<<48 | uint64(generation)<<32 | uint64(offset))
}

// Arena returns the issuing arena id.
func (a Address) Arena() uint16 { return uint16(a >> 48) }

// Generation returns the arena generation the handle was issued under.
func (a Address) Generation() uint16 { return uint16(a >> 32) }

// Offset returns the byte offset within the arena.
func (a Address) Offset() uint32 { return uint32(a) }

// IsNull reports whether the handle is null or points into the reserved prefix.
func (a Address) IsNull() bool {
	return a.Offset() < MinValidOffset
}

// Add returns a handle n bytes past a within the same arena generation.
func (a Address) Add(n uint32) Address {
	return MakeAddress(a.Arena(), a.Generation(), a.Offset()+n)
}

func (a Address) String() string {
	if a == NullAddress {
		return "null"
	}
	return fmt.Sprintf("arena%d/g%d+%#x", a.Arena(), a.Generation(), a.Offset())
}
