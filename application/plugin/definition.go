// Package plugin builds in-process plugins from Go handlers. A definition
// routes each timeline event to the handler registered for its type URI
// and emits whatever the handlers return.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/reglet-dev/filament-host/application/schema"
	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// PluginDef defines plugin identity and configuration.
type PluginDef struct {
	Name        string
	Version     string
	Description string
	// Config is a struct whose JSON schema describes the creation config.
	Config       any
	Capabilities []string
	LookbackHint uint64
}

// PluginDefinition holds the definition and its registered services. It
// implements ports.Plugin.
type PluginDefinition struct {
	def          PluginDef
	configSchema json.RawMessage
	services     map[string]*serviceEntry
	handlers     map[string]HandlerFunc
	mu           sync.RWMutex
}

var _ ports.Plugin = (*PluginDefinition)(nil)

type serviceEntry struct {
	name        string
	description string
	operations  map[string]*operationEntry
}

type operationEntry struct {
	name        string
	description string
	uri         string
}

// ServiceInfo describes a registered service.
type ServiceInfo struct {
	Name        string
	Description string
	Operations  []OperationInfo
}

// OperationInfo describes one operation and the event type it handles.
type OperationInfo struct {
	Name        string
	Description string
	URI         string
}

// DefinePlugin creates a new plugin definition.
// Call this once at package level in your plugin.
func DefinePlugin(def PluginDef) *PluginDefinition {
	configSchema := []byte("{}")
	if def.Config != nil {
		var err error
		configSchema, err = schema.GenerateSchema(def.Config)
		if err != nil {
			panic("failed to generate config schema: " + err.Error())
		}
	}

	return &PluginDefinition{
		def:          def,
		configSchema: configSchema,
		services:     make(map[string]*serviceEntry),
		handlers:     make(map[string]HandlerFunc),
	}
}

// ConfigSchema returns the JSON schema of PluginDef.Config.
func (p *PluginDefinition) ConfigSchema() json.RawMessage { return p.configSchema }

// Manifest returns a manifest declaring the plugin's capabilities. Grant
// rules are left to the operator.
func (p *PluginDefinition) Manifest() *entities.PluginManifest {
	return &entities.PluginManifest{
		Name:        p.def.Name,
		Version:     p.def.Version,
		Description: p.def.Description,
		Declares:    append([]string(nil), p.def.Capabilities...),
	}
}

// Services lists registered services and operations by name.
func (p *PluginDefinition) Services() []ServiceInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ServiceInfo, 0, len(p.services))
	for _, svc := range p.services {
		info := ServiceInfo{Name: svc.name, Description: svc.description}
		for _, op := range svc.operations {
			info.Operations = append(info.Operations, OperationInfo{
				Name:        op.name,
				Description: op.description,
				URI:         op.uri,
			})
		}
		sort.Slice(info.Operations, func(i, j int) bool { return info.Operations[i].Name < info.Operations[j].Name })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterHandler routes events of type uri to handler. Each URI has a
// single handler.
func (p *PluginDefinition) RegisterHandler(serviceName, serviceDesc, opName, opDesc, uri string, handler HandlerFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if uri == "" {
		return fmt.Errorf("operation %s.%s has no event type", serviceName, opName)
	}
	if _, ok := p.handlers[uri]; ok {
		return fmt.Errorf("event type %q already handled", uri)
	}

	svc, ok := p.services[serviceName]
	if !ok {
		svc = &serviceEntry{
			name:        serviceName,
			description: serviceDesc,
			operations:  make(map[string]*operationEntry),
		}
		p.services[serviceName] = svc
	}
	svc.operations[opName] = &operationEntry{name: opName, description: opDesc, uri: uri}
	p.handlers[uri] = handler
	return nil
}

// Handle registers a single handler outside any service struct.
func (p *PluginDefinition) Handle(uri string, handler HandlerFunc) error {
	return p.RegisterHandler(p.def.Name, p.def.Description, uri, "", uri, handler)
}

// GetHandler returns the handler for an event type.
func (p *PluginDefinition) GetHandler(uri string) (HandlerFunc, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[uri]
	return h, ok
}

// Info implements ports.Plugin.
func (p *PluginDefinition) Info() entities.PluginInfo {
	return entities.PluginInfo{
		Name:            p.def.Name,
		Version:         p.def.Version,
		Capabilities:    p.capabilities(),
		LookbackHint:    p.def.LookbackHint,
		Magic:           entities.Magic,
		RequiredVersion: entities.Version0_1_0,
	}
}

// capabilities always include filament.cap.stateful: the timeline cursor
// is instance state and has to follow snapshots and restores.
func (p *PluginDefinition) capabilities() []string {
	caps := append([]string(nil), p.def.Capabilities...)
	if !slices.Contains(caps, entities.CapNameStateful) {
		caps = append(caps, entities.CapNameStateful)
	}
	return caps
}

// Create implements ports.Plugin.
func (p *PluginDefinition) Create(_ context.Context, host entities.HostInfo, cfg entities.Config) (ports.Instance, error) {
	return &instance{def: p, host: host, config: cfg}, nil
}

// Close implements ports.Plugin.
func (p *PluginDefinition) Close(context.Context) error { return nil }
