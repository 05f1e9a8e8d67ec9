package ports

import "github.com/reglet-dev/filament-host/domain/entities"

// GrantStore persists the grants an operator has approved per plugin.
type GrantStore interface {
	// Load returns the grants for a plugin, or an empty set if none exist.
	Load(plugin string) (*entities.GrantSet, error)

	// Save persists the grants for a plugin.
	Save(plugin string, grants *entities.GrantSet) error

	// ConfigPath returns the path to the backing store (for user messaging).
	ConfigPath() string
}
