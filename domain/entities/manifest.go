package entities

// PluginManifest is the declarative description shipped alongside a plugin.
// Declares lists capability names; Capabilities narrows them with grant rules.
type PluginManifest struct {
	Capabilities *GrantSet `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Name         string    `json:"name" yaml:"name"`
	Version      string    `json:"version" yaml:"version"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	Declares     []string  `json:"declares,omitempty" yaml:"declares,omitempty"`
}
