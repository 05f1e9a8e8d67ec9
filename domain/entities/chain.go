package entities

// ChainHeaderSize is the boundary size of a chain header.
const ChainHeaderSize = 16

// MaxChainLength bounds how many records a boundary chain may carry.
const MaxChainLength = 64

// RecordCapabilityList is the core-band chain record a plugin hangs off its
// info record to declare capabilities. Its body is an Array of Strings.
const RecordCapabilityList uint32 = 1

// ChainHeader is the boundary form of an extension record header.
type ChainHeader struct {
	RecordType uint32
	Flags      uint32
	Next       Address
}

// ChainRecord is one validated extension record. Data holds the record body
// following its header when the record type has a known size, and is nil for
// record types the host does not recognize.
type ChainRecord struct {
	Data  []byte `json:"data,omitempty"`
	Type  uint32 `json:"type"`
	Flags uint32 `json:"flags,omitempty"`
}

// Chain is the owned, already-validated form of a boundary chain.
type Chain []ChainRecord

// Find returns the first record of the given type.
func (c Chain) Find(recordType uint32) (ChainRecord, bool) {
	for _, r := range c {
		if r.Type == recordType {
			return r, true
		}
	}
	return ChainRecord{}, false
}

// Clone returns a deep copy.
func (c Chain) Clone() Chain {
	if c == nil {
		return nil
	}
	out := make(Chain, len(c))
	for i, r := range c {
		out[i] = ChainRecord{Type: r.Type, Flags: r.Flags, Data: append([]byte(nil), r.Data...)}
	}
	return out
}
