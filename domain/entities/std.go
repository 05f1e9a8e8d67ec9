package entities

// Standard payload shapes for the well-known event types. Request payloads
// emitted by plugins use FormatJSON with these field names.

// SystemError is the payload of a filament.sys.error event.
type SystemError struct {
	Detail  *ErrorDetail `json:"detail,omitempty"`
	Message string       `json:"message"`
	Details Chain        `json:"details,omitempty"`
	Code    int32        `json:"code"`
}

// ContextPrune is the payload of a filament.sys.context.prune event.
type ContextPrune struct {
	BeforeIdx uint64 `json:"before_idx"`
}

// HTTP body placement.
const (
	BodyBytes uint32 = 0
	BodyBlob  uint32 = 1
)

// HTTPRequestPayload is the payload of a filament.std.net.http.request event.
type HTTPRequestPayload struct {
	Headers   map[string]string `json:"headers,omitempty"`
	Method    string            `json:"method" validate:"omitempty,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`
	URL       string            `json:"url" validate:"required,url"`
	Body      []byte            `json:"body,omitempty"`
	BodyBlob  uint64            `json:"body_blob,omitempty"`
	TimeoutMs uint32            `json:"timeout_ms,omitempty"`
	BodyType  uint32            `json:"body_type,omitempty" validate:"lte=1"`
}

// HTTPResponsePayload is the payload of a filament.std.net.http.response event.
type HTTPResponsePayload struct {
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      []byte              `json:"body,omitempty"`
	BodyBlob  uint64              `json:"body_blob,omitempty"`
	LatencyNs uint64              `json:"latency_ns"`
	Status    uint32              `json:"status"`
	BodyType  uint32              `json:"body_type,omitempty"`
}

// ToolDefinition is the payload of a filament.std.tool.def event.
type ToolDefinition struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	InputSchema string     `json:"input_schema,omitempty"`
	InputFormat DataFormat `json:"input_format"`
}

// ToolInvoke is the payload of a filament.std.tool.invoke event.
type ToolInvoke struct {
	ToolName  string `json:"tool_name" validate:"required"`
	Input     Value  `json:"input"`
	TimeoutMs uint32 `json:"timeout_ms,omitempty"`
}

// Tool result status values.
const (
	ToolStatusOK    uint32 = 0
	ToolStatusError uint32 = 1
)

// ToolResult is the payload of a filament.std.tool.result event.
type ToolResult struct {
	ToolName   string `json:"tool_name"`
	Output     Value  `json:"output"`
	DurationNs uint64 `json:"duration_ns"`
	Status     uint32 `json:"status"`
}

// KV update modes.
const (
	KVOverwrite   uint32 = 0
	KVNoOverwrite uint32 = 1
)

// KVUpdate is the payload of a filament.std.kv.update event.
type KVUpdate struct {
	Key   string `json:"key" validate:"required"`
	Value []byte `json:"value"`
	Mode  uint32 `json:"mode" validate:"lte=1"`
}

// EnvGet is the payload of a filament.std.env.get request, and of its
// ref_id-linked response, which also carries the value.
type EnvGet struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value,omitempty"`
	Found bool   `json:"found,omitempty"`
}

// BlobPayload is the payload of a filament.std.blob event.
type BlobPayload struct {
	MimeType string `json:"mime_type,omitempty"`
	BlobID   uint64 `json:"blob_id"`
	Size     uint64 `json:"size"`
}
