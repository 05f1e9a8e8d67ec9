package entities

// NetworkCapability defines permitted outbound HTTP destinations.
type NetworkCapability struct {
	Rules []NetworkRule `json:"rules" yaml:"rules" jsonschema:"required"`
}

// NetworkRule defines a single network access rule.
type NetworkRule struct {
	Hosts   []string `json:"hosts" yaml:"hosts" jsonschema:"required"`
	Ports   []string `json:"ports" yaml:"ports" jsonschema:"required"` // "80", "8000-9000", "*"
	Methods []string `json:"methods,omitempty" yaml:"methods,omitempty"`
}

// ToolCapability defines which host tools a plugin may invoke.
type ToolCapability struct {
	Names []string `json:"names" yaml:"names" jsonschema:"required"`
}

// EnvironmentCapability defines permitted environment variables.
type EnvironmentCapability struct {
	Variables []string `json:"vars" yaml:"vars" jsonschema:"required"`
}

// KeyValueCapability defines permitted key-value store access.
type KeyValueCapability struct {
	Rules []KeyValueRule `json:"rules" yaml:"rules" jsonschema:"required"`
}

// KeyValueRule defines a single key-value access rule.
type KeyValueRule struct {
	Keys      []string `json:"keys" yaml:"keys" jsonschema:"required"`
	Operation string   `json:"op" yaml:"op" jsonschema:"required,enum=read,enum=write,enum=read-write"`
}
