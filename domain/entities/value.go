package entities

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ValueKind is the tag of a Value. Numbering follows the ABI.
type ValueKind uint32

const (
	KindUnit   ValueKind = 0
	KindBool   ValueKind = 1
	KindU64    ValueKind = 2
	KindI64    ValueKind = 3
	KindF64    ValueKind = 4
	KindU32    ValueKind = 5
	KindI32    ValueKind = 6
	KindF32    ValueKind = 7
	KindString ValueKind = 8
	KindBytes  ValueKind = 9
	KindMap    ValueKind = 10
	KindList   ValueKind = 11
	KindBlob   ValueKind = 12
)

var kindNames = [...]string{"unit", "bool", "u64", "i64", "f64", "u32", "i32", "f32", "string", "bytes", "map", "list", "blob"}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// BlobRef points at a blob owned by the same context.
type BlobRef struct {
	ID   uint64 `json:"blob_id"`
	Size uint64 `json:"size"`
}

// Pair is one map entry.
type Pair struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// Value is a self-describing tagged union. The zero Value is unit.
type Value struct {
	str   string
	bytes []byte
	pairs []Pair
	list  []Value
	bits  uint64
	blob  BlobRef
	Kind  ValueKind
}

// Constructors, one per kind.
func Unit() Value { return Value{Kind: KindUnit} }

func Bool(b bool) Value {
	v := Value{Kind: KindBool}
	if b {
		v.bits = 1
	}
	return v
}

func U64(n uint64) Value { return Value{Kind: KindU64, bits: n} }
func I64(n int64) Value { return Value{Kind: KindI64, bits: uint64(n)} }
func F64(f float64) Value { return Value{Kind: KindF64, bits: math.Float64bits(f)} }
func U32(n uint32) Value { return Value{Kind: KindU32, bits: uint64(n)} }
func I32(n int32) Value { return Value{Kind: KindI32, bits: uint64(uint32(n))} }
func F32(f float32) Value { return Value{Kind: KindF32, bits: uint64(math.Float32bits(f))} }
func String(s string) Value { return Value{Kind: KindString, str: s} }
func Bytes(b []byte) Value { return Value{Kind: KindBytes, bytes: b} }
func Blob(ref BlobRef) Value { return Value{Kind: KindBlob, blob: ref} }
func Map(pairs ...Pair) Value { return Value{Kind: KindMap, pairs: pairs} }
func List(items ...Value) Value { return Value{Kind: KindList, list: items} }

// RawBits returns the scalar payload as stored at the boundary.
func (v Value) RawBits() uint64 { return v.bits }

// FromRawBits rebuilds a scalar Value from its kind and boundary bits.
func FromRawBits(kind ValueKind, bits uint64) Value {
	return Value{Kind: kind, bits: bits}
}

func (v Value) AsBool() (bool, bool) { return v.bits != 0, v.Kind == KindBool }
func (v Value) AsString() (string, bool) { return v.str, v.Kind == KindString }
func (v Value) AsBytes() ([]byte, bool) { return v.bytes, v.Kind == KindBytes }
func (v Value) AsMap() ([]Pair, bool) { return v.pairs, v.Kind == KindMap }
func (v Value) AsList() ([]Value, bool) { return v.list, v.Kind == KindList }
func (v Value) AsBlob() (BlobRef, bool) { return v.blob, v.Kind == KindBlob }

// AsUint returns any unsigned scalar widened to uint64.
func (v Value) AsUint() (uint64, bool) {
	switch v.Kind {
	case KindU64, KindU32:
		return v.bits, true
	}
	return 0, false
}

// AsInt returns any signed scalar widened to int64.
func (v Value) AsInt() (int64, bool) {
	switch v.Kind {
	case KindI64:
		return int64(v.bits), true
	case KindI32:
		return int64(int32(uint32(v.bits))), true
	}
	return 0, false
}

// AsFloat returns any float scalar widened to float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindF64:
		return math.Float64frombits(v.bits), true
	case KindF32:
		return float64(math.Float32frombits(uint32(v.bits))), true
	}
	return 0, false
}

// Get looks up a key in a map value.
func (v Value) Get(key string) (Value, bool) {
	for _, p := range v.pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Value{}, false
}

// Depth returns the nesting depth of containers, 0 for scalars.
func (v Value) Depth() int {
	d := 0
	switch v.Kind {
	case KindMap:
		for _, p := range v.pairs {
			d = max(d, p.Value.Depth())
		}
		return d + 1
	case KindList:
		for _, item := range v.list {
			d = max(d, item.Depth())
		}
		return d + 1
	}
	return 0
}

// Interface converts the value into plain Go data suitable for encoding/json
// and schema validation: maps become map[string]any, lists []any.
func (v Value) Interface() any {
	switch v.Kind {
	case KindUnit:
		return nil
	case KindBool:
		return v.bits != 0
	case KindU64, KindU32:
		return v.bits
	case KindI64, KindI32:
		n, _ := v.AsInt()
		return n
	case KindF64, KindF32:
		f, _ := v.AsFloat()
		return f
	case KindString:
		return v.str
	case KindBytes:
		return v.bytes
	case KindBlob:
		return map[string]any{"blob_id": v.blob.ID, "size": v.blob.Size}
	case KindMap:
		m := make(map[string]any, len(v.pairs))
		for _, p := range v.pairs {
			m[p.Key] = p.Value.Interface()
		}
		return m
	case KindList:
		l := make([]any, len(v.list))
		for i, item := range v.list {
			l[i] = item.Interface()
		}
		return l
	}
	return nil
}

// FromInterface converts decoded JSON data into a Value. Numbers become
// f64 unless they are integral, in which case they become i64.
func FromInterface(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Unit(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return I64(int64(t)), nil
		}
		return F64(t), nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return I64(n), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return F64(f), nil
	case int:
		return I64(int64(t)), nil
	case int64:
		return I64(t), nil
	case uint64:
		return U64(t), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]Pair, 0, len(t))
		for _, k := range keys {
			pv, err := FromInterface(t[k])
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			pairs = append(pairs, Pair{Key: k, Value: pv})
		}
		return Map(pairs...), nil
	case []any:
		items := make([]Value, 0, len(t))
		for i, e := range t {
			iv, err := FromInterface(e)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items = append(items, iv)
		}
		return List(items...), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// MarshalJSON encodes the plain Go form of the value.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes JSON into a Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	out, err := FromInterface(x)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// Config is the ordered key/value configuration handed to plugin creation.
type Config []Pair

// Lookup returns the value stored under key.
func (c Config) Lookup(key string) (Value, bool) {
	for _, p := range c {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Value{}, false
}
