package abi

import (
	"encoding/binary"
	"math"

	"github.com/reglet-dev/filament-host/domain/entities"
)

var le = binary.LittleEndian

func u32(b []byte, off int) uint32 { return le.Uint32(b[off:]) }
func u64(b []byte, off int) uint64 { return le.Uint64(b[off:]) }

func put32(b []byte, off int, v uint32) { le.PutUint32(b[off:], v) }
func put64(b []byte, off int, v uint64) { le.PutUint64(b[off:], v) }

// StringRef is the boundary form of a string or byte slice.
type StringRef struct {
	Ptr entities.Address
	Len uint64
}

func getRef(b []byte, off int) StringRef {
	return StringRef{Ptr: entities.Address(u64(b, off)), Len: u64(b, off+8)}
}

func putRef(b []byte, off int, r StringRef) {
	put64(b, off, uint64(r.Ptr))
	put64(b, off+8, r.Len)
}

// DecodeTrace reads a 32-byte trace context.
func DecodeTrace(b []byte) entities.TraceContext {
	return entities.TraceContext{
		Version: b[0],
		Flags:   b[1],
		TraceHi: u64(b, 8),
		TraceLo: u64(b, 16),
		SpanID:  u64(b, 24),
	}
}

// EncodeTrace writes a 32-byte trace context into b.
func EncodeTrace(b []byte, t entities.TraceContext) {
	clear(b[:TraceSize])
	b[0] = t.Version
	b[1] = t.Flags
	put64(b, 8, t.TraceHi)
	put64(b, 16, t.TraceLo)
	put64(b, 24, t.SpanID)
}

// DecodeChainHeader reads the 16-byte header at the start of b.
func DecodeChainHeader(b []byte) entities.ChainHeader {
	return entities.ChainHeader{
		RecordType: u32(b, 0),
		Flags:      u32(b, 4),
		Next:       entities.Address(u64(b, 8)),
	}
}

// EncodeChainHeader writes a 16-byte header at the start of b.
func EncodeChainHeader(b []byte, h entities.ChainHeader) {
	put32(b, 0, h.RecordType)
	put32(b, 4, h.Flags)
	put64(b, 8, uint64(h.Next))
}

// EncodeWeaveInfo lays out info as its 192-byte record.
func EncodeWeaveInfo(info entities.WeaveInfo) []byte {
	b := make([]byte, WeaveInfoSize)
	put64(b, wiCtx, uint64(info.Context))
	put64(b, wiTimeLimit, info.TimeLimitNs)
	put64(b, wiResUsed, info.ResourceUsed)
	put64(b, wiResMax, info.ResourceMax)
	put64(b, wiMaxMem, info.MaxMemBytes)
	put32(b, wiRecursion, info.RecursionDepth)
	put64(b, wiArena, uint64(info.ArenaHandle))
	put64(b, wiTimelineLen, info.TimelineLen)
	put64(b, wiLastID, info.LastEventID)
	put64(b, wiSeed, info.RandomSeed)
	put64(b, wiNow, info.CurrentTime)
	EncodeTrace(b[wiTrace:], info.Trace)
	put32(b, wiWeaveFlags, uint32(info.Flags))
	put32(b, wiMaxLog, info.MaxLogBytes)
	put32(b, wiMaxEvent, info.MaxEventBytes)
	put32(b, wiMinLevel, info.MinLogLevel)
	put64(b, wiMonotonic, info.MonotonicTime)
	put64(b, wiDelta, info.DeltaTimeNs)
	return b
}

// DecodeWeaveInfo is the inverse of EncodeWeaveInfo. The header chain is
// not followed.
func DecodeWeaveInfo(b []byte) (entities.WeaveInfo, error) {
	if len(b) < WeaveInfoSize {
		return entities.WeaveInfo{}, shortRecord("WeaveInfo", len(b), WeaveInfoSize)
	}
	return entities.WeaveInfo{
		Context:        entities.Address(u64(b, wiCtx)),
		TimeLimitNs:    u64(b, wiTimeLimit),
		ResourceUsed:   u64(b, wiResUsed),
		ResourceMax:    u64(b, wiResMax),
		MaxMemBytes:    u64(b, wiMaxMem),
		RecursionDepth: u32(b, wiRecursion),
		ArenaHandle:    entities.Address(u64(b, wiArena)),
		TimelineLen:    u64(b, wiTimelineLen),
		LastEventID:    u64(b, wiLastID),
		RandomSeed:     u64(b, wiSeed),
		CurrentTime:    u64(b, wiNow),
		Trace:          DecodeTrace(b[wiTrace:]),
		Flags:          entities.WeaveFlags(u32(b, wiWeaveFlags)),
		MaxLogBytes:    u32(b, wiMaxLog),
		MaxEventBytes:  u32(b, wiMaxEvent),
		MinLogLevel:    u32(b, wiMinLevel),
		MonotonicTime:  u64(b, wiMonotonic),
		DeltaTimeNs:    u64(b, wiDelta),
	}, nil
}

// EncodeHostInfo lays out h as its 40-byte record.
func EncodeHostInfo(h entities.HostInfo) []byte {
	b := make([]byte, HostInfoSize)
	put32(b, 16, h.SupportedFormats)
	put32(b, 20, h.MaxRecursionDepth)
	put64(b, 24, h.MaxGraphNodes)
	put64(b, 32, h.MaxArenaBytes)
	return b
}

// DecodeHostInfo is the inverse of EncodeHostInfo.
func DecodeHostInfo(b []byte) (entities.HostInfo, error) {
	if len(b) < HostInfoSize {
		return entities.HostInfo{}, shortRecord("HostInfo", len(b), HostInfoSize)
	}
	return entities.HostInfo{
		SupportedFormats:  u32(b, 16),
		MaxRecursionDepth: u32(b, 20),
		MaxGraphNodes:     u64(b, 24),
		MaxArenaBytes:     u64(b, 32),
	}, nil
}

// encodeEventFixed fills the fixed part of an event record. Pointer fields
// are supplied by the caller.
func encodeEventFixed(b []byte, e entities.Event, uri, payload StringRef, next entities.Address) {
	clear(b[:EventSize])
	put32(b, evType, e.TypeID)
	put32(b, evFlags, e.HeaderFlags)
	put64(b, evNext, uint64(next))
	put64(b, evID, e.ID)
	put64(b, evRefID, e.RefID)
	putRef(b, evURI, uri)
	put64(b, evTimestamp, e.Timestamp)
	put64(b, evTick, e.Tick)
	put64(b, evPayloadPtr, uint64(payload.Ptr))
	put64(b, evPayloadLen, payload.Len)
	put64(b, evAgent, e.AuthAgentID)
	put64(b, evPrincipal, e.AuthPrincipalID)
	EncodeTrace(b[evTrace:], e.Trace)
	put64(b, evCost, e.ResourceCost)
	put32(b, evOpCode, uint32(e.OpCode))
	put32(b, evFormat, uint32(e.PayloadFormat))
	put64(b, evEventFlags, uint64(e.Flags))
}

// decodeEventFixed reads the fixed part of an event record and returns the
// pointer fields separately.
func decodeEventFixed(b []byte) (e entities.Event, uri, payload StringRef, next entities.Address) {
	e = entities.Event{
		TypeID:          u32(b, evType),
		HeaderFlags:     u32(b, evFlags),
		ID:              u64(b, evID),
		RefID:           u64(b, evRefID),
		Timestamp:       u64(b, evTimestamp),
		Tick:            u64(b, evTick),
		PayloadSize:     u64(b, evPayloadLen),
		AuthAgentID:     u64(b, evAgent),
		AuthPrincipalID: u64(b, evPrincipal),
		Trace:           DecodeTrace(b[evTrace:]),
		ResourceCost:    u64(b, evCost),
		OpCode:          entities.OpCode(u32(b, evOpCode)),
		PayloadFormat:   entities.DataFormat(u32(b, evFormat)),
		Flags:           entities.EventFlags(u64(b, evEventFlags)),
	}
	return e, getRef(b, evURI), StringRef{Ptr: entities.Address(u64(b, evPayloadPtr)), Len: e.PayloadSize}, entities.Address(u64(b, evNext))
}

// encodeScalar writes the inline data of a scalar value.
func encodeScalar(b []byte, v entities.Value) {
	switch v.Kind {
	case entities.KindBool:
		if ok, _ := v.AsBool(); ok {
			b[8] = 1
		}
	case entities.KindU64, entities.KindI64, entities.KindF64:
		put64(b, 8, v.RawBits())
	case entities.KindU32, entities.KindI32, entities.KindF32:
		put32(b, 8, uint32(v.RawBits()))
	case entities.KindBlob:
		ref, _ := v.AsBlob()
		put64(b, 8, ref.ID)
		put64(b, 16, ref.Size)
	}
}

// decodeScalar reads a scalar value. ok is false for kinds that reference
// other memory.
func decodeScalar(b []byte, kind entities.ValueKind) (v entities.Value, ok bool) {
	switch kind {
	case entities.KindUnit:
		return entities.Unit(), true
	case entities.KindBool:
		return entities.Bool(b[8] != 0), true
	case entities.KindU64, entities.KindI64:
		return entities.FromRawBits(kind, u64(b, 8)), true
	case entities.KindF64:
		return entities.F64(math.Float64frombits(u64(b, 8))), true
	case entities.KindU32, entities.KindI32, entities.KindF32:
		return entities.FromRawBits(kind, uint64(u32(b, 8))), true
	case entities.KindBlob:
		return entities.Blob(entities.BlobRef{ID: u64(b, 8), Size: u64(b, 16)}), true
	}
	return entities.Value{}, false
}
