package abi

import (
	"fmt"

	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// Writer encodes Go values into boundary records, reserving memory for the
// records and everything they point to.
type Writer struct {
	mem ports.Memory
}

// NewWriter creates a Writer over mem.
func NewWriter(mem ports.Memory) *Writer {
	return &Writer{mem: mem}
}

func (w *Writer) put(b []byte) (entities.Address, error) {
	addr, err := w.mem.Reserve(uint64(len(b)))
	if err != nil {
		return entities.NullAddress, err
	}
	if err := w.mem.Write(addr, b); err != nil {
		return entities.NullAddress, err
	}
	return addr, nil
}

// Bytes copies b into memory. Empty input yields an empty ref.
func (w *Writer) Bytes(b []byte) (StringRef, error) {
	if len(b) == 0 {
		return StringRef{}, nil
	}
	addr, err := w.put(b)
	if err != nil {
		return StringRef{}, err
	}
	return StringRef{Ptr: addr, Len: uint64(len(b))}, nil
}

// String copies s into memory.
func (w *Writer) String(s string) (StringRef, error) {
	return w.Bytes([]byte(s))
}

// StringRecord writes s and a 16-byte String record pointing at it.
func (w *Writer) StringRecord(s string) (entities.Address, error) {
	ref, err := w.String(s)
	if err != nil {
		return entities.NullAddress, err
	}
	b := make([]byte, StringSize)
	putRef(b, 0, ref)
	return w.put(b)
}

// Event writes a single event and returns its address.
func (w *Writer) Event(e entities.Event) (entities.Address, error) {
	b := make([]byte, EventSize)
	if err := w.fillEvent(b, e); err != nil {
		return entities.NullAddress, err
	}
	return w.put(b)
}

// Events writes events as one contiguous array and returns its address.
func (w *Writer) Events(events []entities.Event) (entities.Address, uint64, error) {
	if len(events) == 0 {
		return entities.NullAddress, 0, nil
	}
	buf := make([]byte, len(events)*EventSize)
	for i, e := range events {
		if err := w.fillEvent(buf[i*EventSize:], e); err != nil {
			return entities.NullAddress, 0, fmt.Errorf("event %d: %w", i, err)
		}
	}
	addr, err := w.put(buf)
	return addr, uint64(len(buf)), err
}

// EventPointers writes events individually and returns an array of their
// addresses, the form a turn hands back through out_evts.
func (w *Writer) EventPointers(events []entities.Event) (entities.Address, error) {
	if len(events) == 0 {
		return entities.NullAddress, nil
	}
	ptrs := make([]byte, len(events)*8)
	for i, e := range events {
		addr, err := w.Event(e)
		if err != nil {
			return entities.NullAddress, err
		}
		put64(ptrs, i*8, uint64(addr))
	}
	return w.put(ptrs)
}

func (w *Writer) fillEvent(b []byte, e entities.Event) error {
	uri, err := w.String(e.TypeURI)
	if err != nil {
		return err
	}
	payload, err := w.Bytes(e.Payload)
	if err != nil {
		return err
	}
	if e.Payload == nil {
		// Metadata-only copies keep their declared size.
		payload.Len = e.PayloadSize
	}
	next, err := w.Chain(e.Extensions)
	if err != nil {
		return err
	}
	encodeEventFixed(b, e, uri, payload, next)
	return nil
}

// Chain writes records back to front so each header can point at its
// successor, and returns the head address.
func (w *Writer) Chain(c entities.Chain) (entities.Address, error) {
	next := entities.NullAddress
	for i := len(c) - 1; i >= 0; i-- {
		rec := c[i]
		b := make([]byte, entities.ChainHeaderSize+len(rec.Data))
		EncodeChainHeader(b, entities.ChainHeader{RecordType: rec.Type, Flags: rec.Flags, Next: next})
		copy(b[entities.ChainHeaderSize:], rec.Data)
		addr, err := w.put(b)
		if err != nil {
			return entities.NullAddress, err
		}
		next = addr
	}
	return next, nil
}

// WeaveInfo writes a budget record.
func (w *Writer) WeaveInfo(info entities.WeaveInfo) (entities.Address, error) {
	return w.put(EncodeWeaveInfo(info))
}

// HostInfo writes the host limits record.
func (w *Writer) HostInfo(h entities.HostInfo) (entities.Address, error) {
	return w.put(EncodeHostInfo(h))
}

// PluginInfo writes an identity record, hanging the capability list off its
// chain when present.
func (w *Writer) PluginInfo(p entities.PluginInfo) (entities.Address, error) {
	b := make([]byte, PluginInfoSize)
	put32(b, piMagic, p.Magic)
	put32(b, piType, p.RecordType)
	put32(b, piReqABI, p.RequiredVersion)
	put32(b, piFlags, p.Flags)
	put64(b, piMinMem, p.MinMemoryBytes)
	put64(b, piMinStack, p.MinStackBytes)
	put64(b, piLookback, p.LookbackHint)

	name, err := w.String(p.Name)
	if err != nil {
		return entities.NullAddress, err
	}
	putRef(b, piName, name)
	version, err := w.String(p.Version)
	if err != nil {
		return entities.NullAddress, err
	}
	putRef(b, piVersion, version)

	if len(p.Capabilities) > 0 {
		arr := make([]byte, len(p.Capabilities)*StringSize)
		for i, c := range p.Capabilities {
			ref, err := w.String(c)
			if err != nil {
				return entities.NullAddress, err
			}
			putRef(arr, i*StringSize, ref)
		}
		arrAddr, err := w.put(arr)
		if err != nil {
			return entities.NullAddress, err
		}
		rec := make([]byte, entities.ChainHeaderSize+ArraySize)
		EncodeChainHeader(rec, entities.ChainHeader{RecordType: entities.RecordCapabilityList})
		putRef(rec, entities.ChainHeaderSize, StringRef{Ptr: arrAddr, Len: uint64(len(p.Capabilities))})
		head, err := w.put(rec)
		if err != nil {
			return entities.NullAddress, err
		}
		put64(b, piNext, uint64(head))
	}
	return w.put(b)
}

// Value writes v into a fresh 32-byte record.
func (w *Writer) Value(v entities.Value) (entities.Address, error) {
	b := make([]byte, ValueSize)
	if err := w.fillValue(b, v); err != nil {
		return entities.NullAddress, err
	}
	return w.put(b)
}

func (w *Writer) fillValue(b []byte, v entities.Value) error {
	clear(b[:ValueSize])
	put32(b, 0, uint32(v.Kind))
	switch v.Kind {
	case entities.KindString:
		s, _ := v.AsString()
		ref, err := w.String(s)
		if err != nil {
			return err
		}
		putRef(b, 8, ref)
	case entities.KindBytes:
		raw, _ := v.AsBytes()
		ref, err := w.Bytes(raw)
		if err != nil {
			return err
		}
		putRef(b, 8, ref)
	case entities.KindList:
		items, _ := v.AsList()
		if len(items) == 0 {
			return nil
		}
		arr := make([]byte, len(items)*ValueSize)
		for i, item := range items {
			if err := w.fillValue(arr[i*ValueSize:], item); err != nil {
				return err
			}
		}
		addr, err := w.put(arr)
		if err != nil {
			return err
		}
		putRef(b, 8, StringRef{Ptr: addr, Len: uint64(len(items))})
	case entities.KindMap:
		pairs, _ := v.AsMap()
		ref, err := w.pairs(pairs)
		if err != nil {
			return err
		}
		putRef(b, 8, ref)
	default:
		encodeScalar(b, v)
	}
	return nil
}

func (w *Writer) pairs(pairs []entities.Pair) (StringRef, error) {
	if len(pairs) == 0 {
		return StringRef{}, nil
	}
	arr := make([]byte, len(pairs)*PairSize)
	for i, p := range pairs {
		rec := arr[i*PairSize:]
		key, err := w.String(p.Key)
		if err != nil {
			return StringRef{}, err
		}
		putRef(rec, 0, key)
		if err := w.fillValue(rec[StringSize:], p.Value); err != nil {
			return StringRef{}, err
		}
	}
	addr, err := w.put(arr)
	if err != nil {
		return StringRef{}, err
	}
	return StringRef{Ptr: addr, Len: uint64(len(pairs))}, nil
}

// Pairs writes an array of pairs and returns its address and count.
func (w *Writer) Pairs(pairs []entities.Pair) (entities.Address, uint64, error) {
	ref, err := w.pairs(pairs)
	return ref.Ptr, ref.Len, err
}

// Config writes a configuration record.
func (w *Writer) Config(cfg entities.Config) (entities.Address, error) {
	ref, err := w.pairs(cfg)
	if err != nil {
		return entities.NullAddress, err
	}
	b := make([]byte, ConfigSize)
	put64(b, 16, ref.Len)
	put64(b, 24, uint64(ref.Ptr))
	return w.put(b)
}

// U64 writes a little-endian uint64 at addr. Used for out parameters.
func (w *Writer) U64(addr entities.Address, v uint64) error {
	b := make([]byte, 8)
	put64(b, 0, v)
	return w.mem.Write(addr, b)
}
