package host

import (
	"fmt"
	"log/slog"
	"strings"

	apptemplate "github.com/reglet-dev/filament-host/application/template"
	"github.com/reglet-dev/filament-host/application/validation"
	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/infrastructure/parser"
	"github.com/reglet-dev/filament-host/infrastructure/prompter"
)

type loaderConfig struct {
	registry        ports.CapabilityRegistry
	templateEngine  ports.TemplateEngine
	parser          ports.ManifestParser
	grants          ports.GrantStore
	prompter        ports.Prompter
	risk            *entities.RiskAssessor
	logger          *slog.Logger
	strictTemplates bool
}

func defaultLoaderConfig() loaderConfig {
	return loaderConfig{
		parser:          parser.NewYamlManifestParser(),
		risk:            entities.NewRiskAssessor(),
		logger:          slog.Default(),
		strictTemplates: true,
	}
}

// Loader turns raw manifests into admitted grant sets.
type Loader struct {
	validator ports.CapabilityValidator
	config    loaderConfig
}

// LoaderOption configures the Loader.
type LoaderOption func(*loaderConfig)

// WithRegistry validates grant rules against the registry's schemas.
func WithRegistry(r ports.CapabilityRegistry) LoaderOption {
	return func(c *loaderConfig) {
		c.registry = r
	}
}

// WithParser sets a custom manifest parser.
func WithParser(p ports.ManifestParser) LoaderOption {
	return func(c *loaderConfig) {
		c.parser = p
	}
}

// WithTemplateEngine sets a template engine.
func WithTemplateEngine(t ports.TemplateEngine) LoaderOption {
	return func(c *loaderConfig) {
		c.templateEngine = t
	}
}

// WithStrictTemplates makes rendering fail on missing keys. Enabled by
// default.
func WithStrictTemplates(enabled bool) LoaderOption {
	return func(c *loaderConfig) {
		c.strictTemplates = enabled
	}
}

// WithGrantStore checks requested grants against the approved ones.
func WithGrantStore(s ports.GrantStore) LoaderOption {
	return func(c *loaderConfig) {
		c.grants = s
	}
}

// WithPrompter asks an operator about grants the store does not cover.
func WithPrompter(p ports.Prompter) LoaderOption {
	return func(c *loaderConfig) {
		c.prompter = p
	}
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(l *slog.Logger) LoaderOption {
	return func(c *loaderConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewLoader creates a new Loader with defaults.
func NewLoader(opts ...LoaderOption) *Loader {
	cfg := defaultLoaderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.templateEngine == nil {
		cfg.templateEngine = apptemplate.NewGoTemplateEngine(apptemplate.WithStrict(cfg.strictTemplates))
	}

	l := &Loader{config: cfg}
	if cfg.registry != nil {
		l.validator = validation.NewCapabilityValidator(cfg.registry)
	}
	return l
}

// LoadManifest renders, parses and validates a plugin manifest.
func (l *Loader) LoadManifest(raw []byte, values map[string]any) (*entities.PluginManifest, error) {
	data, err := l.config.templateEngine.Render(raw, values)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.InvalidArgument, "manifest.render", err)
	}

	manifest, err := l.config.parser.Parse(data)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.InvalidArgument, "manifest.parse", err)
	}

	if l.validator != nil {
		res, err := l.validator.Validate(manifest)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.InvalidArgument, "manifest.validate", err)
		}
		if !res.Valid {
			msgs := make([]string, 0, len(res.Errors))
			for _, e := range res.Errors {
				msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field, e.Message))
			}
			return nil, ferrors.New(ferrors.InvalidArgument, "manifest.validate",
				"manifest validation failed: %s", strings.Join(msgs, "; "))
		}
	}
	return manifest, nil
}

// Admit decides which grants a manifest's plugin runs with. Without a
// grant store the requested grants are taken as-is. Otherwise rules not
// yet approved go to the prompter; an "always" answer is saved.
func (l *Loader) Admit(m *entities.PluginManifest) (*entities.GrantSet, error) {
	requested := m.Capabilities.Clone()
	if requested == nil {
		requested = &entities.GrantSet{}
	}
	logger := l.config.logger.With(slog.String("plugin", m.Name))
	if risks := l.config.risk.DescribeRisks(requested); len(risks) > 0 {
		logger.Info("plugin grants", slog.String("risk", l.config.risk.AssessGrantSet(requested).String()),
			slog.Any("risks", risks))
	}
	if l.config.grants == nil {
		return requested, nil
	}

	approved, err := l.config.grants.Load(m.Name)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.IOFailure, "grants.load", err)
	}
	if approved == nil {
		approved = &entities.GrantSet{}
	}
	missing := requested.Difference(approved)
	if missing.IsEmpty() {
		return requested, nil
	}

	if l.config.prompter == nil || !l.config.prompter.IsInteractive() {
		return nil, prompter.NonInteractiveError(m.Name, missing)
	}
	granted, always, err := l.config.prompter.Approve(ports.GrantRequest{
		Plugin:  m.Name,
		Missing: missing,
		Risk:    l.config.risk.AssessGrantSet(missing),
		Risks:   l.config.risk.DescribeRisks(missing),
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.PermissionDenied, "grants.approve", err)
	}
	if !granted {
		return nil, ferrors.New(ferrors.PermissionDenied, "grants.approve", "operator denied grants for %q", m.Name)
	}
	if always {
		approved.Merge(missing)
		if err := l.config.grants.Save(m.Name, approved); err != nil {
			return nil, ferrors.Wrap(ferrors.IOFailure, "grants.save", err)
		}
		logger.Info("grants saved", slog.String("path", l.config.grants.ConfigPath()))
	}
	return requested, nil
}
