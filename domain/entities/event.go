package entities

import (
	"fmt"
	"strings"
)

// Well-known event type URIs. The URI is authoritative; numeric ids are a
// fast path only.
const (
	URIContextPrune = "filament.sys.context.prune"
	URISysError     = "filament.sys.error"
	URIHTTPRequest  = "filament.std.net.http.request"
	URIHTTPResponse = "filament.std.net.http.response"
	URIToolDef      = "filament.std.tool.def"
	URIToolInvoke   = "filament.std.tool.invoke"
	URIToolResult   = "filament.std.tool.result"
	URIKVUpdate     = "filament.std.kv.update"
	URIEnvGet       = "filament.std.env.get"
	URIBlob         = "filament.std.blob"
)

// Well-known numeric type ids.
const (
	TypeSysError     uint32 = 101
	TypeContextPrune uint32 = 102
	TypeHTTPRequest  uint32 = 200
	TypeHTTPResponse uint32 = 201
	TypeToolDef      uint32 = 300
	TypeToolInvoke   uint32 = 302
	TypeToolResult   uint32 = 303
	TypeKVUpdate     uint32 = 400
	TypeEnvGet       uint32 = 500
	TypeBlob         uint32 = 600
)

// TypeBand classifies numeric type ids.
type TypeBand int

const (
	BandCore TypeBand = iota
	BandStd
	BandUser
)

// BandOf returns the reserved band of a numeric type id.
func BandOf(id uint32) TypeBand {
	switch {
	case id < 100:
		return BandCore
	case id < 1000:
		return BandStd
	default:
		return BandUser
	}
}

var uriToType = map[string]uint32{
	URISysError:     TypeSysError,
	URIContextPrune: TypeContextPrune,
	URIHTTPRequest:  TypeHTTPRequest,
	URIHTTPResponse: TypeHTTPResponse,
	URIToolDef:      TypeToolDef,
	URIToolInvoke:   TypeToolInvoke,
	URIToolResult:   TypeToolResult,
	URIKVUpdate:     TypeKVUpdate,
	URIEnvGet:       TypeEnvGet,
	URIBlob:         TypeBlob,
}

var typeToURI = func() map[uint32]string {
	m := make(map[uint32]string, len(uriToType))
	for u, id := range uriToType {
		m[id] = u
	}
	return m
}()

// TypeForURI returns the numeric id registered for a well-known URI.
func TypeForURI(uri string) (uint32, bool) {
	id, ok := uriToType[uri]
	return id, ok
}

// URIForType returns the well-known URI for a numeric id.
func URIForType(id uint32) (string, bool) {
	u, ok := typeToURI[id]
	return u, ok
}

// TraceContext carries W3C-style trace correlation across the boundary.
type TraceContext struct {
	Version uint8  `json:"version"`
	Flags   uint8  `json:"flags"`
	TraceHi uint64 `json:"trace_hi"`
	TraceLo uint64 `json:"trace_lo"`
	SpanID  uint64 `json:"span_id"`
}

// IsZero reports whether no trace is attached.
func (t TraceContext) IsZero() bool {
	return t.TraceHi == 0 && t.TraceLo == 0 && t.SpanID == 0
}

// Event is an immutable timeline record.
type Event struct {
	TypeURI         string       `json:"type_uri"`
	Payload         []byte       `json:"payload,omitempty"`
	Extensions      Chain        `json:"extensions,omitempty"`
	Trace           TraceContext `json:"trace"`
	ID              uint64       `json:"id"`
	RefID           uint64       `json:"ref_id,omitempty"`
	Timestamp       uint64       `json:"timestamp"`
	Tick            uint64       `json:"tick"`
	PayloadSize     uint64       `json:"payload_size"`
	AuthAgentID     uint64       `json:"auth_agent_id,omitempty"`
	AuthPrincipalID uint64       `json:"auth_principal_id,omitempty"`
	ResourceCost    uint64       `json:"resource_cost,omitempty"`
	Flags           EventFlags   `json:"event_flags,omitempty"`
	TypeID          uint32       `json:"type_id,omitempty"`
	HeaderFlags     uint32       `json:"flags,omitempty"`
	OpCode          OpCode       `json:"op_code"`
	PayloadFormat   DataFormat   `json:"payload_fmt"`
}

// Kind resolves the well-known URI of the event. When both a URI and a
// numeric id are present and disagree, the URI wins.
func (e Event) Kind() string {
	if e.TypeURI != "" {
		return e.TypeURI
	}
	if u, ok := URIForType(e.TypeID); ok {
		return u
	}
	return ""
}

// Is reports whether the event resolves to the given URI.
func (e Event) Is(uri string) bool {
	return e.Kind() == uri
}

// Truncated reports whether the payload was cut by a truncating read.
func (e Event) Truncated() bool {
	return e.Flags&EventFlagTruncated != 0
}

// Normalize fills derived fields: the numeric id from a known URI, the URI
// from a known id, and the payload size.
func (e *Event) Normalize() {
	if e.TypeURI == "" {
		if u, ok := URIForType(e.TypeID); ok {
			e.TypeURI = u
		}
	}
	if id, ok := TypeForURI(e.TypeURI); ok {
		e.TypeID = id
	}
	if e.Payload != nil || e.PayloadSize == 0 {
		e.PayloadSize = uint64(len(e.Payload))
	}
}

// Validate checks the structural constraints of an event.
func (e Event) Validate() error {
	uri := e.Kind()
	if uri == "" {
		return fmt.Errorf("event has neither a type uri nor a known type id")
	}
	if len(uri) > MaxURILen {
		return fmt.Errorf("type uri exceeds %d bytes", MaxURILen)
	}
	if strings.ContainsAny(uri, " \t\n\x00") {
		return fmt.Errorf("type uri %q contains whitespace or NUL", uri)
	}
	if e.OpCode > OpDelete {
		return fmt.Errorf("unknown op code %d", e.OpCode)
	}
	if e.PayloadFormat > FormatValue {
		return fmt.Errorf("unknown payload format %d", e.PayloadFormat)
	}
	return nil
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	if e.Payload != nil {
		out.Payload = append([]byte(nil), e.Payload...)
	}
	out.Extensions = e.Extensions.Clone()
	return out
}
