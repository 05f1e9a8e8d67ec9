package validation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/filament-host/application/validation"
	"github.com/reglet-dev/filament-host/domain/entities"
)

type mockRegistry struct {
	schemas map[string]string
}

func (m *mockRegistry) Register(string, any) error { return nil }
func (m *mockRegistry) GetSchema(name string) (string, bool) {
	s, ok := m.schemas[name]
	return s, ok
}
func (m *mockRegistry) List() []string { return nil }

func TestCapabilityValidator_Validate(t *testing.T) {
	registry := &mockRegistry{
		schemas: map[string]string{
			"network": `{"type": "object", "properties": {"rules": {"type": "array"}}}`,
			"kv":      `{"type": "object", "required": ["rules"], "properties": {"rules": {"type": "array"}}}`,
		},
	}
	validator := validation.NewCapabilityValidator(registry)

	network := &entities.NetworkCapability{
		Rules: []entities.NetworkRule{{Hosts: []string{"example.com"}, Ports: []string{"443"}}},
	}

	t.Run("Valid Manifest", func(t *testing.T) {
		manifest := &entities.PluginManifest{
			Name:         "fetcher",
			Declares:     []string{entities.CapNameNetHTTP},
			Capabilities: &entities.GrantSet{Network: network},
		}
		res, err := validator.Validate(manifest)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Empty(t, res.Errors)

		// Compiled schemas are reused.
		res, err = validator.Validate(manifest)
		require.NoError(t, err)
		assert.True(t, res.Valid)
	})

	t.Run("Invalid Capability Schema", func(t *testing.T) {
		manifest := &entities.PluginManifest{
			Name:         "cache",
			Declares:     []string{entities.CapNameKV},
			Capabilities: &entities.GrantSet{KV: &entities.KeyValueCapability{}},
		}
		res, err := validator.Validate(manifest)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		require.NotEmpty(t, res.Errors)
		assert.Equal(t, "kv", res.Errors[0].Field)
	})

	t.Run("Unknown Capability", func(t *testing.T) {
		manifest := &entities.PluginManifest{
			Name:         "envy",
			Declares:     []string{entities.CapNameEnv},
			Capabilities: &entities.GrantSet{Env: &entities.EnvironmentCapability{}},
		}
		res, err := validator.Validate(manifest)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Contains(t, res.Errors[0].Message, "no schema registered for capability env")
	})

	t.Run("Undeclared Grant", func(t *testing.T) {
		manifest := &entities.PluginManifest{
			Name:         "sneaky",
			Capabilities: &entities.GrantSet{Network: network},
		}
		res, err := validator.Validate(manifest)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, "network", res.Errors[0].Field)
		assert.Contains(t, res.Errors[0].Message, entities.CapNameNetHTTP)
	})

	t.Run("Unknown Declared Name", func(t *testing.T) {
		manifest := &entities.PluginManifest{
			Declares: []string{"filament.std.teleport"},
		}
		res, err := validator.Validate(manifest)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		require.Len(t, res.Errors, 2)
		assert.Equal(t, "name", res.Errors[0].Field)
		assert.Equal(t, "declares", res.Errors[1].Field)
	})

	t.Run("Nil Manifest", func(t *testing.T) {
		_, err := validator.Validate(nil)
		assert.Error(t, err)
	})
}
