package entities

// NetworkRequest represents a runtime request to reach an HTTP destination.
type NetworkRequest struct {
	Host   string
	Method string
	Port   int
}

// ToolRequest represents a runtime request to invoke a host tool.
type ToolRequest struct {
	Name string
}

// EnvironmentRequest represents a runtime request to read an environment variable.
type EnvironmentRequest struct {
	Variable string
}

// KeyValueRequest represents a runtime request to access the key-value store.
type KeyValueRequest struct {
	Key       string
	Operation string // "read", "write"
}
