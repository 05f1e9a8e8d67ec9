package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/filament-host/domain/entities"
)

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	return doc
}

func TestGenerateSchema_Expanded(t *testing.T) {
	type lookup struct {
		Host string `json:"host" jsonschema:"required"`
		Port int    `json:"port,omitempty"`
	}

	out, err := GenerateSchema(lookup{})
	require.NoError(t, err)
	doc := decode(t, out)

	assert.Equal(t, "object", doc["type"], "the root type is inlined")
	assert.NotContains(t, doc, "$ref")
	assert.Equal(t, []any{"host"}, doc["required"])
	assert.Equal(t, false, doc["additionalProperties"])
}

func TestGenerateSchema_GrantKinds(t *testing.T) {
	out, err := GenerateSchema(&entities.KeyValueCapability{})
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, `"rules"`)
	assert.Contains(t, s, `"read-write"`)
}

func TestGenerateSchema_Options(t *testing.T) {
	type open struct {
		Name string `json:"name"`
	}

	out, err := GenerateSchema(open{}, WithAdditionalProperties(true), WithIndent())
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out), "\n  "), "indented output")
	assert.NotContains(t, decode(t, out), "additionalProperties")
}
