package ports

// CapabilityRegistry manages JSON schemas for grant rule kinds.
type CapabilityRegistry interface {
	// Register adds a schema generated from a Go struct.
	Register(kind string, model any) error

	// GetSchema retrieves the JSON Schema for a rule kind.
	GetSchema(kind string) (string, bool)

	// List returns all registered kinds.
	List() []string
}
