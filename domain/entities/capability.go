package entities

import (
	"math/bits"
	"sort"
	"strings"
)

// Capability is one declared permission, parsed once at load time.
type Capability uint8

const (
	CapNetHTTP Capability = iota
	CapTool
	CapKV
	CapEnv
	CapStateful
	CapZeroCopy
	CapPoolable
	capCount
)

// Capability names as declared by plugins.
const (
	CapNameNetHTTP  = "filament.std.net.http"
	CapNameTool     = "filament.std.tool"
	CapNameKV       = "filament.std.kv"
	CapNameEnv      = "filament.std.env"
	CapNameStateful = "filament.cap.stateful"
	CapNameZeroCopy = "filament.cap.unsafe_zero_copy"
	CapNamePoolable = "filament.cap.poolable"
)

var capNames = [capCount]string{
	CapNetHTTP:  CapNameNetHTTP,
	CapTool:     CapNameTool,
	CapKV:       CapNameKV,
	CapEnv:      CapNameEnv,
	CapStateful: CapNameStateful,
	CapZeroCopy: CapNameZeroCopy,
	CapPoolable: CapNamePoolable,
}

func (c Capability) String() string {
	if c < capCount {
		return capNames[c]
	}
	return "unknown"
}

// CapabilitySet is a bitset of declared capabilities.
type CapabilitySet uint32

// NewCapabilitySet builds a set from enum values.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= 1 << c
	}
	return s
}

// ParseCapabilities parses declared names. Names the host does not know are
// returned separately so the caller can report them; they grant nothing.
func ParseCapabilities(names []string) (CapabilitySet, []string) {
	var set CapabilitySet
	var unknown []string
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		found := false
		for i, n := range capNames {
			if n == name {
				set |= 1 << Capability(i)
				found = true
				break
			}
		}
		if !found && name != "" {
			unknown = append(unknown, name)
		}
	}
	return set, unknown
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	return s&(1<<c) != 0
}

// Len returns the number of capabilities in the set.
func (s CapabilitySet) Len() int {
	return bits.OnesCount32(uint32(s))
}

// Names returns the declared names in sorted order.
func (s CapabilitySet) Names() []string {
	var out []string
	for c := Capability(0); c < capCount; c++ {
		if s.Has(c) {
			out = append(out, c.String())
		}
	}
	sort.Strings(out)
	return out
}

// RequiredCapability returns the capability gating a request-shaped event
// URI, or false when the URI is not a service request.
func RequiredCapability(uri string) (Capability, bool) {
	switch uri {
	case URIHTTPRequest:
		return CapNetHTTP, true
	case URIToolInvoke:
		return CapTool, true
	case URIKVUpdate:
		return CapKV, true
	case URIEnvGet:
		return CapEnv, true
	}
	return 0, false
}
