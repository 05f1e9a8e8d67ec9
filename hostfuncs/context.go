package hostfuncs

import (
	"context"
)

// ToolContext is the context a tool handler runs under. Middleware can
// stash request-scoped values on it.
type ToolContext interface {
	context.Context

	// ToolName is the name the tool was invoked by.
	ToolName() string

	// SetValue stores a request-scoped value in place.
	SetValue(key, value any)
	GetValue(key any) (value any, ok bool)
}

type toolContext struct {
	context.Context
	values map[any]any
	name   string
}

// NewToolContext wraps ctx for the named tool.
func NewToolContext(ctx context.Context, name string) ToolContext {
	return &toolContext{Context: ctx, name: name, values: make(map[any]any)}
}

func (c *toolContext) ToolName() string { return c.name }

func (c *toolContext) SetValue(key, value any) { c.values[key] = value }

func (c *toolContext) GetValue(key any) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// ToolContextFrom returns ctx itself when it already is a ToolContext.
func ToolContextFrom(ctx context.Context, name string) ToolContext {
	if tc, ok := ctx.(ToolContext); ok {
		return tc
	}
	return NewToolContext(ctx, name)
}

type contextIDKey struct{}

// WithContextID tags ctx with the timeline context a tool runs for.
func WithContextID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextIDKey{}, id)
}

// ContextIDFrom returns the timeline context a tool runs for.
func ContextIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextIDKey{}).(string)
	return id, ok
}
