package ports

import "github.com/reglet-dev/filament-host/domain/entities"

// ManifestParser parses raw YAML bytes into a PluginManifest.
type ManifestParser interface {
	Parse(data []byte) (*entities.PluginManifest, error)
}

// TemplateEngine renders manifest templates before they are parsed.
type TemplateEngine interface {
	Render(raw []byte, values map[string]any) ([]byte, error)
}
