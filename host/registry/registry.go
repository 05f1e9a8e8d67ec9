// Package registry holds the JSON schemas grant rules are validated
// against.
package registry

import (
	"fmt"
	"slices"
	"sync"

	"github.com/reglet-dev/filament-host/application/schema"
	"github.com/reglet-dev/filament-host/application/validation"
	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/domain/ports"
)

type registryConfig struct {
	strictMode bool
}

func defaultRegistryConfig() registryConfig {
	return registryConfig{strictMode: true}
}

// RegistryOption configures a Registry instance.
type RegistryOption func(*registryConfig)

// WithStrictMode makes duplicate registrations fail. Default is true.
func WithStrictMode(enabled bool) RegistryOption {
	return func(c *registryConfig) {
		c.strictMode = enabled
	}
}

// Registry implements CapabilityRegistry.
type Registry struct {
	config  registryConfig
	schemas sync.Map // kind -> JSON schema text
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	cfg := defaultRegistryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{config: cfg}
}

// NewDefaultRegistry returns a registry holding the schemas of the four
// grant rule kinds.
func NewDefaultRegistry() (ports.CapabilityRegistry, error) {
	r := NewRegistry()
	models := []struct {
		kind  string
		model any
	}{
		{validation.KindNetwork, &entities.NetworkCapability{}},
		{validation.KindTool, &entities.ToolCapability{}},
		{validation.KindEnv, &entities.EnvironmentCapability{}},
		{validation.KindKV, &entities.KeyValueCapability{}},
	}
	for _, m := range models {
		if err := r.Register(m.kind, m.model); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a schema reflected from a Go value.
func (r *Registry) Register(kind string, model any) error {
	if r.config.strictMode {
		if _, exists := r.schemas.Load(kind); exists {
			return fmt.Errorf("capability %q already registered", kind)
		}
	}

	data, err := schema.GenerateSchema(model)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", kind, err)
	}
	r.schemas.Store(kind, string(data))
	return nil
}

// GetSchema retrieves the JSON Schema for a rule kind.
func (r *Registry) GetSchema(kind string) (string, bool) {
	v, ok := r.schemas.Load(kind)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// List returns all registered kinds, sorted.
func (r *Registry) List() []string {
	var keys []string
	r.schemas.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	slices.Sort(keys)
	return keys
}
