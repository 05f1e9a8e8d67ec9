// Package validation checks plugin manifests before a plugin is admitted:
// grant rules against the registered JSON schemas, and declared
// capability names against the known set.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// Grant rule kinds, as registered in the capability registry.
const (
	KindNetwork = "network"
	KindTool    = "tool"
	KindEnv     = "env"
	KindKV      = "kv"
)

// kindCapability maps each rule kind to the capability it narrows.
var kindCapability = map[string]entities.Capability{
	KindNetwork: entities.CapNetHTTP,
	KindTool:    entities.CapTool,
	KindEnv:     entities.CapEnv,
	KindKV:      entities.CapKV,
}

// CapabilityValidator implements validation using JSON schemas.
type CapabilityValidator struct {
	registry ports.CapabilityRegistry

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewCapabilityValidator creates a new validator.
func NewCapabilityValidator(registry ports.CapabilityRegistry) ports.CapabilityValidator {
	return &CapabilityValidator{
		registry: registry,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Validate checks the manifest's declared capabilities and grant rules.
func (v *CapabilityValidator) Validate(manifest *entities.PluginManifest) (*entities.ValidationResult, error) {
	if manifest == nil {
		return nil, errors.New("nil manifest")
	}
	result := &entities.ValidationResult{Valid: true}
	fail := func(field, format string, args ...any) {
		result.Errors = append(result.Errors, entities.ValidationError{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if manifest.Name == "" {
		fail("name", "plugin name is required")
	}
	declared, unknown := entities.ParseCapabilities(manifest.Declares)
	for _, name := range unknown {
		fail("declares", "unknown capability %q", name)
	}

	if g := manifest.Capabilities; g != nil {
		for _, kind := range []string{KindNetwork, KindTool, KindEnv, KindKV} {
			data := grantFor(g, kind)
			if data == nil {
				continue
			}
			if c := kindCapability[kind]; !declared.Has(c) {
				fail(kind, "grant rules for %s without declaring it", c)
			}
			if msg := v.check(kind, data); msg != "" {
				fail(kind, "%s", msg)
			}
		}
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}

func grantFor(g *entities.GrantSet, kind string) any {
	switch kind {
	case KindNetwork:
		if g.Network != nil {
			return g.Network
		}
	case KindTool:
		if g.Tool != nil {
			return g.Tool
		}
	case KindEnv:
		if g.Env != nil {
			return g.Env
		}
	case KindKV:
		if g.KV != nil {
			return g.KV
		}
	}
	return nil
}

// check validates one grant against its kind's schema and returns the
// failure message, or "" when the grant is valid.
func (v *CapabilityValidator) check(kind string, data any) string {
	sch, msg := v.schema(kind)
	if sch == nil {
		return msg
	}

	// Round-trip through JSON so the validator sees plain maps and slices.
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("failed to prepare validation object: %v", err)
	}
	var obj any
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Sprintf("failed to prepare validation object: %v", err)
	}

	if err := sch.Validate(obj); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return ve.Error()
		}
		return err.Error()
	}
	return ""
}

func (v *CapabilityValidator) schema(kind string) (*jsonschema.Schema, string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if sch, ok := v.compiled[kind]; ok {
		return sch, ""
	}
	schemaStr, ok := v.registry.GetSchema(kind)
	if !ok {
		return nil, fmt.Sprintf("no schema registered for capability %s", kind)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(kind, strings.NewReader(schemaStr)); err != nil {
		return nil, fmt.Sprintf("failed to add schema resource for %s: %v", kind, err)
	}
	sch, err := compiler.Compile(kind)
	if err != nil {
		return nil, fmt.Sprintf("invalid schema for %s: %v", kind, err)
	}
	v.compiled[kind] = sch
	return sch, ""
}
