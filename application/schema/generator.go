// Package schema reflects JSON schemas (draft 2020-12) from Go types. Tool
// input schemas and grant rule schemas are produced here.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

type generateConfig struct {
	allowAdditional bool
	indent          bool
}

// Option configures GenerateSchema.
type Option func(*generateConfig)

// WithAdditionalProperties lets objects carry keys the type does not
// define. Off by default.
func WithAdditionalProperties(allow bool) Option {
	return func(c *generateConfig) {
		c.allowAdditional = allow
	}
}

// WithIndent pretty-prints the output.
func WithIndent() Option {
	return func(c *generateConfig) {
		c.indent = true
	}
}

// GenerateSchema reflects v into a self-contained schema: the root type is
// expanded inline so the result compiles without resolving $ref.
func GenerateSchema(v any, opts ...Option) ([]byte, error) {
	var cfg generateConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		AllowAdditionalProperties: cfg.allowAdditional,
	}
	s := reflector.Reflect(v)

	var (
		out []byte
		err error
	)
	if cfg.indent {
		out, err = json.MarshalIndent(s, "", "  ")
	} else {
		out, err = json.Marshal(s)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return out, nil
}
