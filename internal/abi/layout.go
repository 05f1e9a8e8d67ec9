package abi

import "github.com/reglet-dev/filament-host/domain/entities"

// Record sizes.
const (
	StringSize     = 16
	ArraySize      = 16
	BlobRefSize    = 16
	TraceSize      = 32
	ValueSize      = 32
	PairSize       = 48
	EventSize      = 192
	WeaveInfoSize  = 192
	PluginInfoSize = 80
	HostInfoSize   = 40
	ConfigSize     = 32
)

// Event field offsets.
const (
	evType       = 0
	evFlags      = 4
	evNext       = 8
	evID         = 16
	evRefID      = 24
	evURI        = 32
	evTimestamp  = 48
	evTick       = 56
	evPayloadPtr = 64
	evPayloadLen = 72
	evAgent      = 80
	evPrincipal  = 88
	evTrace      = 96
	evCost       = 128
	evOpCode     = 136
	evFormat     = 140
	evEventFlags = 144
)

// WeaveInfo field offsets.
const (
	wiType        = 0
	wiFlags       = 4
	wiNext        = 8
	wiCtx         = 16
	wiTimeLimit   = 24
	wiResUsed     = 32
	wiResMax      = 40
	wiMaxMem      = 48
	wiRecursion   = 56
	wiArena       = 64
	wiTimelineLen = 72
	wiLastID      = 80
	wiSeed        = 88
	wiNow         = 96
	wiTrace       = 104
	wiWeaveFlags  = 136
	wiMaxLog      = 140
	wiMaxEvent    = 144
	wiMinLevel    = 148
	wiMonotonic   = 152
	wiDelta       = 160
)

// PluginInfo field offsets.
const (
	piMagic    = 0
	piType     = 4
	piReqABI   = 8
	piFlags    = 12
	piNext     = 16
	piMinMem   = 24
	piMinStack = 32
	piLookback = 40
	piName     = 48
	piVersion  = 64
)

// Standard struct sizes, keyed by record type. Chain records of these types
// are read in full; others keep only their header.
var stdRecordSize = map[uint32]uint64{
	entities.TypeSysError:     48,
	entities.TypeContextPrune: 32,
	entities.TypeHTTPRequest:  88,
	entities.TypeHTTPResponse: 64,
	entities.TypeToolDef:      72,
	entities.TypeToolInvoke:   72,
	entities.TypeToolResult:   80,
	entities.TypeKVUpdate:     56,
	entities.TypeBlob:         48,
	entities.TypeEnvGet:       32,
}
