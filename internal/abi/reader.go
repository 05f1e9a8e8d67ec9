package abi

import (
	"fmt"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// readerConfig holds the bounds applied while decoding.
type readerConfig struct {
	maxDepth      int
	maxNodes      int
	maxPayload    uint64
	maxStringSize uint64
}

func defaultReaderConfig() readerConfig {
	return readerConfig{
		maxDepth:      entities.MinRecursion,
		maxNodes:      entities.MinGraphNodes,
		maxPayload:    entities.MinArenaBytes,
		maxStringSize: 1 << 20,
	}
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerConfig)

// WithMaxDepth bounds value nesting.
func WithMaxDepth(n int) ReaderOption {
	return func(c *readerConfig) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithMaxNodes bounds the number of records decoded by one call.
func WithMaxNodes(n int) ReaderOption {
	return func(c *readerConfig) {
		if n > 0 {
			c.maxNodes = n
		}
	}
}

// WithMaxPayload bounds event payload sizes.
func WithMaxPayload(n uint64) ReaderOption {
	return func(c *readerConfig) {
		if n > 0 {
			c.maxPayload = n
		}
	}
}

// Reader decodes boundary records from memory into owned Go values.
type Reader struct {
	mem    ports.Memory
	config readerConfig
	nodes  int
}

// NewReader creates a Reader over mem.
func NewReader(mem ports.Memory, opts ...ReaderOption) *Reader {
	cfg := defaultReaderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Reader{mem: mem, config: cfg}
}

func (r *Reader) begin() { r.nodes = 0 }

func (r *Reader) visit(op string) error {
	r.nodes++
	if r.nodes > r.config.maxNodes {
		return invalid(op, "more than %d records", r.config.maxNodes)
	}
	return nil
}

func (r *Reader) record(op string, addr entities.Address, size uint64) ([]byte, error) {
	if addr.IsNull() {
		return nil, invalid(op, "null record address")
	}
	b, err := r.mem.Read(addr, size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return b, nil
}

// U64 reads a little-endian uint64 at addr. Used for out parameters.
func (r *Reader) U64(addr entities.Address) (uint64, error) {
	b, err := r.record("abi.u64", addr, 8)
	if err != nil {
		return 0, err
	}
	return u64(b, 0), nil
}

// Bytes reads n bytes at ref. An empty ref yields nil.
func (r *Reader) Bytes(ref StringRef, limit uint64) ([]byte, error) {
	if ref.Len == 0 {
		return nil, nil
	}
	if ref.Len > limit {
		return nil, ferrors.New(ferrors.DataTooLarge, "abi.bytes", "%d bytes exceeds limit %d", ref.Len, limit)
	}
	if ref.Ptr.IsNull() {
		return nil, invalid("abi.bytes", "null pointer with length %d", ref.Len)
	}
	return r.mem.Read(ref.Ptr, ref.Len)
}

// String reads a string referenced by ref.
func (r *Reader) String(ref StringRef) (string, error) {
	b, err := r.Bytes(ref, r.config.maxStringSize)
	return string(b), err
}

// StringAt reads a 16-byte String record at addr and the text it points to.
func (r *Reader) StringAt(addr entities.Address) (string, error) {
	b, err := r.record("abi.string", addr, StringSize)
	if err != nil {
		return "", err
	}
	return r.String(getRef(b, 0))
}

// Event decodes one event record, its URI, payload and extension chain.
func (r *Reader) Event(addr entities.Address) (entities.Event, error) {
	r.begin()
	return r.event(addr)
}

func (r *Reader) event(addr entities.Address) (entities.Event, error) {
	b, err := r.record("abi.event", addr, EventSize)
	if err != nil {
		return entities.Event{}, err
	}
	e, uriRef, payloadRef, next := decodeEventFixed(b)

	if uriRef.Len > entities.MaxURILen {
		return entities.Event{}, invalid("abi.event", "type uri is %d bytes, limit %d", uriRef.Len, entities.MaxURILen)
	}
	if e.TypeURI, err = r.String(uriRef); err != nil {
		return entities.Event{}, err
	}
	// A null payload pointer with a size is a metadata-only copy.
	if !payloadRef.Ptr.IsNull() {
		if e.Payload, err = r.Bytes(payloadRef, r.config.maxPayload); err != nil {
			return entities.Event{}, err
		}
	}
	if e.Extensions, err = r.chain(next); err != nil {
		return entities.Event{}, err
	}
	if e.PayloadFormat == entities.FormatStruct {
		if err := r.structPayload(&e); err != nil {
			return entities.Event{}, err
		}
	}
	return e, nil
}

// Events decodes count contiguous event records starting at addr.
func (r *Reader) Events(addr entities.Address, count uint64) ([]entities.Event, error) {
	r.begin()
	if count == 0 {
		return nil, nil
	}
	if count > uint64(r.config.maxNodes) {
		return nil, invalid("abi.events", "%d events exceeds limit %d", count, r.config.maxNodes)
	}
	out := make([]entities.Event, 0, count)
	for i := uint64(0); i < count; i++ {
		if err := r.visit("abi.events"); err != nil {
			return nil, err
		}
		e, err := r.event(addr.Add(uint32(i * EventSize)))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// EventPointers decodes count events from an array of event addresses, the
// form a turn hands back through out_evts.
func (r *Reader) EventPointers(addr entities.Address, count uint64) ([]entities.Event, error) {
	r.begin()
	if count == 0 {
		return nil, nil
	}
	if count > uint64(r.config.maxNodes) {
		return nil, invalid("abi.events", "%d events exceeds limit %d", count, r.config.maxNodes)
	}
	ptrs, err := r.record("abi.events", addr, count*8)
	if err != nil {
		return nil, err
	}
	out := make([]entities.Event, 0, count)
	for i := 0; i < int(count); i++ {
		if err := r.visit("abi.events"); err != nil {
			return nil, err
		}
		e, err := r.event(entities.Address(u64(ptrs, i*8)))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// WalkChain follows a chain from addr exactly once. It fails on cycles and
// on chains longer than entities.MaxChainLength.
func (r *Reader) WalkChain(addr entities.Address) (entities.Chain, error) {
	r.begin()
	return r.chain(addr)
}

func (r *Reader) chain(addr entities.Address) (entities.Chain, error) {
	var out entities.Chain
	err := r.walk(addr, func(at entities.Address, h entities.ChainHeader) error {
		rec := entities.ChainRecord{Type: h.RecordType, Flags: h.Flags}
		if size, ok := stdRecordSize[h.RecordType]; ok {
			full, err := r.record("abi.chain", at, size)
			if err != nil {
				return err
			}
			rec.Data = full[entities.ChainHeaderSize:]
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (r *Reader) walk(addr entities.Address, fn func(entities.Address, entities.ChainHeader) error) error {
	seen := make(map[entities.Address]struct{})
	for !addr.IsNull() {
		if _, dup := seen[addr]; dup {
			return invalid("abi.chain", "cycle at %s", addr)
		}
		if len(seen) >= entities.MaxChainLength {
			return invalid("abi.chain", "longer than %d records", entities.MaxChainLength)
		}
		seen[addr] = struct{}{}
		if err := r.visit("abi.chain"); err != nil {
			return err
		}
		b, err := r.record("abi.chain", addr, entities.ChainHeaderSize)
		if err != nil {
			return err
		}
		h := DecodeChainHeader(b)
		if err := fn(addr, h); err != nil {
			return err
		}
		addr = h.Next
	}
	return nil
}

// WeaveInfo decodes a budget record at addr.
func (r *Reader) WeaveInfo(addr entities.Address) (entities.WeaveInfo, error) {
	b, err := r.record("abi.weave_info", addr, WeaveInfoSize)
	if err != nil {
		return entities.WeaveInfo{}, err
	}
	return DecodeWeaveInfo(b)
}

// PluginInfo decodes the identity record a plugin returns from get_info,
// including any capability list hung off its chain.
func (r *Reader) PluginInfo(addr entities.Address) (entities.PluginInfo, error) {
	r.begin()
	b, err := r.record("abi.plugin_info", addr, PluginInfoSize)
	if err != nil {
		return entities.PluginInfo{}, err
	}
	info := entities.PluginInfo{
		Magic:           u32(b, piMagic),
		RecordType:      u32(b, piType),
		RequiredVersion: u32(b, piReqABI),
		Flags:           u32(b, piFlags),
		MinMemoryBytes:  u64(b, piMinMem),
		MinStackBytes:   u64(b, piMinStack),
		LookbackHint:    u64(b, piLookback),
	}
	if info.Name, err = r.String(getRef(b, piName)); err != nil {
		return entities.PluginInfo{}, err
	}
	if info.Version, err = r.String(getRef(b, piVersion)); err != nil {
		return entities.PluginInfo{}, err
	}

	err = r.walk(entities.Address(u64(b, piNext)), func(at entities.Address, h entities.ChainHeader) error {
		if h.RecordType != entities.RecordCapabilityList {
			info.Extensions = append(info.Extensions, entities.ChainRecord{Type: h.RecordType, Flags: h.Flags})
			return nil
		}
		body, err := r.record("abi.capabilities", at.Add(entities.ChainHeaderSize), ArraySize)
		if err != nil {
			return err
		}
		arr := getRef(body, 0)
		if arr.Len > uint64(r.config.maxNodes) {
			return invalid("abi.capabilities", "%d entries exceeds limit", arr.Len)
		}
		for i := uint64(0); i < arr.Len; i++ {
			name, err := r.StringAt(arr.Ptr.Add(uint32(i * StringSize)))
			if err != nil {
				return err
			}
			info.Capabilities = append(info.Capabilities, name)
		}
		return nil
	})
	if err != nil {
		return entities.PluginInfo{}, err
	}
	return info, nil
}

// Value decodes a 32-byte value record at addr.
func (r *Reader) Value(addr entities.Address) (entities.Value, error) {
	r.begin()
	b, err := r.record("abi.value", addr, ValueSize)
	if err != nil {
		return entities.Value{}, err
	}
	return r.value(b, 0)
}

// ValueBytes decodes a value from an inline 32-byte record.
func (r *Reader) ValueBytes(b []byte) (entities.Value, error) {
	r.begin()
	if len(b) < ValueSize {
		return entities.Value{}, shortRecord("Value", len(b), ValueSize)
	}
	return r.value(b, 0)
}

func (r *Reader) value(b []byte, depth int) (entities.Value, error) {
	if depth > r.config.maxDepth {
		return entities.Value{}, invalid("abi.value", "nesting exceeds %d", r.config.maxDepth)
	}
	if err := r.visit("abi.value"); err != nil {
		return entities.Value{}, err
	}
	kind := entities.ValueKind(u32(b, 0))
	if v, ok := decodeScalar(b, kind); ok {
		return v, nil
	}

	ref := getRef(b, 8)
	switch kind {
	case entities.KindString:
		s, err := r.String(ref)
		return entities.String(s), err
	case entities.KindBytes:
		raw, err := r.Bytes(ref, r.config.maxPayload)
		return entities.Bytes(raw), err
	case entities.KindList:
		if ref.Len > uint64(r.config.maxNodes) {
			return entities.Value{}, invalid("abi.value", "list of %d exceeds limit", ref.Len)
		}
		items := make([]entities.Value, 0, ref.Len)
		for i := uint64(0); i < ref.Len; i++ {
			rec, err := r.record("abi.value", ref.Ptr.Add(uint32(i*ValueSize)), ValueSize)
			if err != nil {
				return entities.Value{}, err
			}
			item, err := r.value(rec, depth+1)
			if err != nil {
				return entities.Value{}, err
			}
			items = append(items, item)
		}
		return entities.List(items...), nil
	case entities.KindMap:
		pairs, err := r.pairs(ref, depth+1)
		if err != nil {
			return entities.Value{}, err
		}
		return entities.Map(pairs...), nil
	}
	return entities.Value{}, invalid("abi.value", "unknown value type %d", kind)
}

func (r *Reader) pairs(ref StringRef, depth int) ([]entities.Pair, error) {
	if ref.Len > uint64(r.config.maxNodes) {
		return nil, invalid("abi.pairs", "%d pairs exceeds limit", ref.Len)
	}
	out := make([]entities.Pair, 0, ref.Len)
	for i := uint64(0); i < ref.Len; i++ {
		rec, err := r.record("abi.pairs", ref.Ptr.Add(uint32(i*PairSize)), PairSize)
		if err != nil {
			return nil, err
		}
		key, err := r.String(getRef(rec, 0))
		if err != nil {
			return nil, err
		}
		v, err := r.value(rec[StringSize:], depth)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out = append(out, entities.Pair{Key: key, Value: v})
	}
	return out, nil
}

// Pairs decodes count pairs at addr, as passed to the log import.
func (r *Reader) Pairs(addr entities.Address, count uint64) ([]entities.Pair, error) {
	r.begin()
	if count == 0 {
		return nil, nil
	}
	return r.pairs(StringRef{Ptr: addr, Len: count}, 0)
}

// Config decodes a configuration record.
func (r *Reader) Config(addr entities.Address) (entities.Config, error) {
	r.begin()
	if addr.IsNull() {
		return nil, nil
	}
	b, err := r.record("abi.config", addr, ConfigSize)
	if err != nil {
		return nil, err
	}
	pairs, err := r.pairs(StringRef{Ptr: entities.Address(u64(b, 24)), Len: u64(b, 16)}, 0)
	return entities.Config(pairs), err
}
