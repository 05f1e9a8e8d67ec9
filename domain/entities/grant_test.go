package entities_test

import (
	"testing"

	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func httpGrant(hosts ...string) *entities.GrantSet {
	return &entities.GrantSet{
		Network: &entities.NetworkCapability{
			Rules: []entities.NetworkRule{{Hosts: hosts, Ports: []string{"443"}}},
		},
	}
}

func TestGrantSet_IsEmpty(t *testing.T) {
	tests := []struct {
		name     string
		grantSet *entities.GrantSet
		want     bool
	}{
		{"nil", nil, true},
		{"empty", &entities.GrantSet{}, true},
		{"empty network", &entities.GrantSet{Network: &entities.NetworkCapability{}}, true},
		{"network", httpGrant("example.com"), false},
		{"tool", &entities.GrantSet{Tool: &entities.ToolCapability{Names: []string{"search"}}}, false},
		{"env", &entities.GrantSet{Env: &entities.EnvironmentCapability{Variables: []string{"DEBUG"}}}, false},
		{
			"kv",
			&entities.GrantSet{KV: &entities.KeyValueCapability{Rules: []entities.KeyValueRule{
				{Keys: []string{"config/*"}, Operation: "read"},
			}}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.grantSet.IsEmpty())
		})
	}
}

func TestGrantSet_Capabilities(t *testing.T) {
	g := httpGrant("example.com")
	g.Env = &entities.EnvironmentCapability{Variables: []string{"HOME"}}

	caps := g.Capabilities()
	assert.True(t, caps.Has(entities.CapNetHTTP))
	assert.True(t, caps.Has(entities.CapEnv))
	assert.False(t, caps.Has(entities.CapKV))
	assert.Equal(t, 2, caps.Len())
}

func TestGrantSet_Merge(t *testing.T) {
	g := httpGrant("example.com")
	g.Merge(&entities.GrantSet{
		Network: &entities.NetworkCapability{Rules: []entities.NetworkRule{
			{Hosts: []string{"example.com"}, Ports: []string{"443"}},
			{Hosts: []string{"api.example.com"}, Ports: []string{"443"}},
		}},
		Tool: &entities.ToolCapability{Names: []string{"search", "search"}},
		KV: &entities.KeyValueCapability{Rules: []entities.KeyValueRule{
			{Keys: []string{"a/*"}, Operation: "read"},
		}},
	})

	require.NotNil(t, g.Network)
	assert.Len(t, g.Network.Rules, 2)
	assert.Equal(t, []string{"search"}, g.Tool.Names)
	assert.Len(t, g.KV.Rules, 1)

	g.Merge(nil)
	assert.Len(t, g.Network.Rules, 2)
}

func TestGrantSet_Clone(t *testing.T) {
	orig := httpGrant("example.com")
	orig.Tool = &entities.ToolCapability{Names: []string{"search"}}

	clone := orig.Clone()
	clone.Network.Rules[0].Hosts[0] = "evil.com"
	clone.Tool.Names[0] = "rm"

	assert.Equal(t, "example.com", orig.Network.Rules[0].Hosts[0])
	assert.Equal(t, "search", orig.Tool.Names[0])
	assert.Nil(t, (*entities.GrantSet)(nil).Clone())
}

func TestGrantSet_DifferenceAndContains(t *testing.T) {
	requested := httpGrant("example.com")
	requested.Env = &entities.EnvironmentCapability{Variables: []string{"HOME", "PATH"}}

	granted := httpGrant("example.com")
	granted.Env = &entities.EnvironmentCapability{Variables: []string{"HOME"}}

	diff := requested.Difference(granted)
	assert.Nil(t, diff.Network)
	require.NotNil(t, diff.Env)
	assert.Equal(t, []string{"PATH"}, diff.Env.Variables)

	assert.False(t, granted.Contains(requested))
	granted.Env.Variables = append(granted.Env.Variables, "PATH")
	assert.True(t, granted.Contains(requested))
	assert.True(t, granted.Contains(nil))
	assert.False(t, (*entities.GrantSet)(nil).Contains(requested))
}
