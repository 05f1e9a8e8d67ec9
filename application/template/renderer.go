// Package template renders plugin manifests with text/template before
// they are parsed, so grant rules can reference host configuration.
package template

import (
	"bytes"
	"fmt"
	"strconv"
	"text/template"

	"github.com/reglet-dev/filament-host/domain/ports"
)

type templateConfig struct {
	strict bool
}

func defaultTemplateConfig() templateConfig {
	return templateConfig{strict: true}
}

// TemplateOption configures a GoTemplateEngine.
type TemplateOption func(*templateConfig)

// WithStrict makes rendering fail when a referenced key is missing.
// Enabled by default.
func WithStrict(enabled bool) TemplateOption {
	return func(c *templateConfig) {
		c.strict = enabled
	}
}

// GoTemplateEngine implements TemplateEngine using text/template. Values
// are exposed under .config; the quote function emits a YAML-safe
// double-quoted scalar.
type GoTemplateEngine struct {
	config templateConfig
}

// NewGoTemplateEngine creates a new GoTemplateEngine.
func NewGoTemplateEngine(opts ...TemplateOption) ports.TemplateEngine {
	cfg := defaultTemplateConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &GoTemplateEngine{config: cfg}
}

var funcs = template.FuncMap{
	"quote": func(v any) string { return strconv.Quote(fmt.Sprint(v)) },
	"default": func(def, v any) any {
		if v == nil || v == "" {
			return def
		}
		return v
	},
}

// Render executes raw as a template over values.
func (e *GoTemplateEngine) Render(raw []byte, values map[string]any) ([]byte, error) {
	tmpl := template.New("manifest").Funcs(funcs)
	if e.config.strict {
		tmpl = tmpl.Option("missingkey=error")
	}

	tmpl, err := tmpl.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{"config": values}); err != nil {
		return nil, fmt.Errorf("failed to execute manifest template: %w", err)
	}
	return buf.Bytes(), nil
}
