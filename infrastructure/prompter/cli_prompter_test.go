package prompter_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/reglet-dev/filament-host/infrastructure/prompter"
)

func request() ports.GrantRequest {
	return ports.GrantRequest{
		Plugin: "fetcher",
		Missing: &entities.GrantSet{
			Network: &entities.NetworkCapability{Rules: []entities.NetworkRule{
				{Hosts: []string{"example.com"}, Ports: []string{"443"}, Methods: []string{"GET"}},
			}},
			KV: &entities.KeyValueCapability{Rules: []entities.KeyValueRule{
				{Keys: []string{"cache/*"}, Operation: "read-write"},
			}},
		},
		Risk:  entities.RiskLevelMedium,
		Risks: []string{"Sends outbound HTTP requests"},
	}
}

func TestCliPrompter_Approve(t *testing.T) {
	tests := []struct {
		input   string
		granted bool
		always  bool
	}{
		{"y\n", true, false},
		{"YES\n", true, false},
		{"always\n", true, true},
		{"n\n", false, false},
		{"maybe\n", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			out := &bytes.Buffer{}
			p := prompter.NewCliPrompter(bytes.NewBufferString(tt.input), out)

			granted, always, err := p.Approve(request())
			require.NoError(t, err)
			assert.Equal(t, tt.granted, granted)
			assert.Equal(t, tt.always, always)
			assert.Contains(t, out.String(), `Plugin "fetcher" requests (risk: Medium)`)
			assert.Contains(t, out.String(), "http GET to example.com on ports 443")
			assert.Contains(t, out.String(), "kv read-write cache/*")
			assert.Contains(t, out.String(), "! Sends outbound HTTP requests")
		})
	}
}

func TestCliPrompter_ApproveEOF(t *testing.T) {
	p := prompter.NewCliPrompter(&bytes.Buffer{}, &bytes.Buffer{})
	granted, _, err := p.Approve(request())
	assert.Error(t, err)
	assert.False(t, granted)
}

func TestCliPrompter_IsInteractive(t *testing.T) {
	assert.False(t, prompter.NewCliPrompter(&bytes.Buffer{}, nil).IsInteractive())
	assert.True(t, prompter.NewCliPrompter(nil, nil, prompter.WithInteractive(true)).IsInteractive())
}

func TestDescribeGrants(t *testing.T) {
	g := &entities.GrantSet{
		Network: &entities.NetworkCapability{Rules: []entities.NetworkRule{{Hosts: []string{"*"}}}},
		Tool:    &entities.ToolCapability{Names: []string{"search"}},
		Env:     &entities.EnvironmentCapability{Variables: []string{"HOME"}},
	}
	assert.Equal(t, []string{
		"http any method to * on any port",
		"tools search",
		"env HOME",
	}, prompter.DescribeGrants(g))
	assert.Nil(t, prompter.DescribeGrants(nil))
}

func TestCliPrompter_FormatNonInteractiveError(t *testing.T) {
	p := prompter.NewCliPrompter(nil, nil)
	err := p.FormatNonInteractiveError("fetcher", request().Missing)
	assert.Equal(t, ferrors.PermissionDenied, ferrors.CodeOf(err))
	assert.ErrorContains(t, err, "non-interactive mode")
	assert.ErrorContains(t, err, "kv read-write cache/*")
}
