package entities

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Magic identifies a compatible plugin info record.
const Magic uint32 = 0x9D2F8A41

// ABI floors advertised by every conforming host.
const (
	MinArenaBytes  = 64 * 1024 * 1024
	MinRecursion   = 64
	MinGraphNodes  = 4096
	MaxURILen      = 2048
	MinValidOffset = 4096
)

// PackVersion packs a semantic version the way the ABI does:
// 10 bits major, 10 bits minor, 12 bits patch.
func PackVersion(major, minor, patch uint32) uint32 {
	return (major << 22) | (minor << 12) | patch
}

// UnpackVersion is the inverse of PackVersion.
func UnpackVersion(v uint32) (major, minor, patch uint32) {
	return v >> 22, (v >> 12) & 0x3FF, v & 0xFFF
}

// Version0_1_0 is the ABI revision implemented by this host.
var Version0_1_0 = PackVersion(0, 1, 0)

// VersionString renders a packed version as "major.minor.patch".
func VersionString(v uint32) string {
	ma, mi, pa := UnpackVersion(v)
	return fmt.Sprintf("%d.%d.%d", ma, mi, pa)
}

// CheckCompatible reports whether a host implementing hostVersion can run a
// plugin that requires reqVersion. Caret semantics apply, so 0.x minors are
// treated as breaking.
func CheckCompatible(hostVersion, reqVersion uint32) error {
	host, err := semver.NewVersion(VersionString(hostVersion))
	if err != nil {
		return fmt.Errorf("host version: %w", err)
	}
	c, err := semver.NewConstraint("^" + VersionString(reqVersion))
	if err != nil {
		return fmt.Errorf("required version: %w", err)
	}
	if !c.Check(host) {
		return fmt.Errorf("plugin requires ABI %s, host implements %s",
			VersionString(reqVersion), VersionString(hostVersion))
	}
	return nil
}

// Result is the status returned by a turn.
type Result int32

const (
	ResultDone  Result = 0
	ResultYield Result = 1
	ResultPanic Result = 2
	ResultError Result = -1
)

func (r Result) String() string {
	switch r {
	case ResultDone:
		return "done"
	case ResultYield:
		return "yield"
	case ResultPanic:
		return "panic"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("result(%d)", int32(r))
	}
}

// OpCode is the mutation intent of an event against timeline-derived projections.
type OpCode uint32

const (
	OpAppend  OpCode = 0
	OpReplace OpCode = 1
	OpDelete  OpCode = 2
)

// ReadFlags control timeline reads.
type ReadFlags uint32

const (
	ReadDefault        ReadFlags = 0
	ReadIgnorePayloads ReadFlags = 1
	ReadTruncate       ReadFlags = 2
	// ReadUnsafeZeroCopy returns references into host memory that are only
	// valid until the next mutating call on the context.
	ReadUnsafeZeroCopy ReadFlags = 4
)

// Has reports whether all bits of f are set.
func (r ReadFlags) Has(f ReadFlags) bool {
	return r&f == f
}

// DataFormat tags a payload's encoding.
type DataFormat uint32

const (
	FormatJSON   DataFormat = 0
	FormatUTF8   DataFormat = 1
	FormatBytes  DataFormat = 2
	FormatStruct DataFormat = 3
	FormatValue  DataFormat = 4
)

// SupportedFormats is the bitmask of formats the host understands.
const SupportedFormats uint32 = 1<<FormatJSON | 1<<FormatUTF8 | 1<<FormatBytes | 1<<FormatStruct | 1<<FormatValue

// WeaveFlags mark properties of an invocation.
type WeaveFlags uint32

const WeaveFlagNewVersion WeaveFlags = 1

// EventFlags mark properties of a stored or returned event.
type EventFlags uint64

const EventFlagTruncated EventFlags = 2
