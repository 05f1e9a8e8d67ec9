package hostfuncs

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/reglet-dev/filament-host/application/schema"
	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool describes one registered tool.
type Tool struct {
	Handler     ByteHandler
	Name        string
	Description string
	// InputSchema is a JSON schema for the input document. Empty accepts
	// any JSON.
	InputSchema string
}

type registeredTool struct {
	handler ByteHandler
	schema  *jsonschema.Schema
	def     entities.ToolDefinition
}

// HandlerRegistry is an immutable set of named tools. Lookups are
// lock-free once NewRegistry returns.
type HandlerRegistry struct {
	tools map[string]registeredTool
	names []string
}

var _ ports.ToolExecutor = (*HandlerRegistry)(nil)

type registryBuilder struct {
	tools      map[string]Tool
	middleware []Middleware
	errors     []error
}

// NewRegistry builds a registry. It fails on duplicate names and on
// schemas that do not compile.
//
//	reg, err := hostfuncs.NewRegistry(
//	    hostfuncs.WithMiddleware(hostfuncs.PanicRecoveryMiddleware()),
//	    hostfuncs.WithBundle(hostfuncs.NetworkBundle()),
//	    hostfuncs.WithHandler("sum", "adds two numbers", sum),
//	)
func NewRegistry(opts ...RegistryOption) (*HandlerRegistry, error) {
	b := &registryBuilder{tools: make(map[string]Tool)}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	r := &HandlerRegistry{tools: make(map[string]registeredTool, len(b.tools))}
	for name, tool := range b.tools {
		wrapped := tool.Handler
		for i := len(b.middleware) - 1; i >= 0; i-- {
			wrapped = b.middleware[i](wrapped)
		}
		rt := registeredTool{
			handler: wrapped,
			def: entities.ToolDefinition{
				Name:        name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				InputFormat: entities.FormatJSON,
			},
		}
		if tool.InputSchema != "" {
			sch, err := compileSchema(name, tool.InputSchema)
			if err != nil {
				return nil, err
			}
			rt.schema = sch
		}
		r.tools[name] = rt
		r.names = append(r.names, name)
	}
	slices.Sort(r.names)
	return r, nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	url := "tool://" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, &ferrors.SchemaError{Type: name, Err: err}
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, &ferrors.SchemaError{Type: name, Err: err}
	}
	return sch, nil
}

// Invoke validates input against the tool's schema and runs it.
func (r *HandlerRegistry) Invoke(ctx context.Context, name string, input []byte) ([]byte, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, ferrors.New(ferrors.NotFound, "tool.invoke", "unknown tool %q", name)
	}
	if len(input) == 0 {
		input = []byte("{}")
	}
	if tool.schema != nil {
		var doc any
		if err := json.Unmarshal(input, &doc); err != nil {
			return nil, &ferrors.SchemaError{Type: name, Err: err}
		}
		if err := tool.schema.Validate(doc); err != nil {
			return nil, &ferrors.SchemaError{Type: name, Err: err}
		}
	}
	return tool.handler(ToolContextFrom(ctx, name), input)
}

// Definitions lists every tool in name order.
func (r *HandlerRegistry) Definitions() []entities.ToolDefinition {
	out := make([]entities.ToolDefinition, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name].def)
	}
	return out
}

// Has reports whether a tool is registered.
func (r *HandlerRegistry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns the sorted tool names.
func (r *HandlerRegistry) Names() []string {
	return slices.Clone(r.names)
}

func (b *registryBuilder) add(t Tool) {
	switch {
	case t.Name == "":
		b.errors = append(b.errors, fmt.Errorf("tool name cannot be empty"))
	case t.Handler == nil:
		b.errors = append(b.errors, fmt.Errorf("tool %q has no handler", t.Name))
	default:
		if _, exists := b.tools[t.Name]; exists {
			b.errors = append(b.errors, fmt.Errorf("duplicate tool name: %q", t.Name))
			return
		}
		b.tools[t.Name] = t
	}
}

// WithTool registers a tool as is.
func WithTool(t Tool) RegistryOption {
	return func(b *registryBuilder) { b.add(t) }
}

// WithByteHandler registers a raw handler without an input schema.
func WithByteHandler(name string, handler ByteHandler) RegistryOption {
	return WithTool(Tool{Name: name, Handler: handler})
}

// WithHandler registers a typed tool. Its input schema is reflected from Req.
func WithHandler[Req any, Resp any](name, description string, fn ToolFunc[Req, Resp]) RegistryOption {
	return func(b *registryBuilder) {
		t, err := reflectTool(name, description, fn)
		if err != nil {
			b.errors = append(b.errors, err)
			return
		}
		b.add(t)
	}
}

func reflectTool[Req any, Resp any](name, description string, fn ToolFunc[Req, Resp]) (Tool, error) {
	t := Tool{Name: name, Description: description, Handler: NewJSONHandler(fn)}
	var req Req
	src, err := schema.GenerateSchema(&req)
	if err != nil {
		return t, &ferrors.SchemaError{Type: name, Err: err}
	}
	t.InputSchema = string(src)
	return t, nil
}

// WithMiddleware wraps every handler. The first middleware is outermost.
func WithMiddleware(mw ...Middleware) RegistryOption {
	return func(b *registryBuilder) {
		b.middleware = append(b.middleware, mw...)
	}
}
