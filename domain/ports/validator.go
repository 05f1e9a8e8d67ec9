package ports

import "github.com/reglet-dev/filament-host/domain/entities"

// CapabilityValidator validates manifest grants against schemas.
type CapabilityValidator interface {
	Validate(manifest *entities.PluginManifest) (*entities.ValidationResult, error)
}
