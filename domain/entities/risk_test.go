package entities_test

import (
	"testing"

	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/stretchr/testify/assert"
)

func TestRiskAssessor_AssessGrantSet(t *testing.T) {
	assessor := entities.NewRiskAssessor()

	tests := []struct {
		name  string
		grant *entities.GrantSet
		want  entities.RiskLevel
	}{
		{"nil", nil, entities.RiskLevelLow},
		{"empty", &entities.GrantSet{}, entities.RiskLevelLow},
		{
			"specific env is low",
			&entities.GrantSet{Env: &entities.EnvironmentCapability{Variables: []string{"REGION"}}},
			entities.RiskLevelLow,
		},
		{
			"kv read is low",
			&entities.GrantSet{KV: &entities.KeyValueCapability{Rules: []entities.KeyValueRule{
				{Keys: []string{"config/*"}, Operation: "read"},
			}}},
			entities.RiskLevelLow,
		},
		{
			"specific host is medium",
			&entities.GrantSet{Network: &entities.NetworkCapability{Rules: []entities.NetworkRule{
				{Hosts: []string{"api.example.com"}, Ports: []string{"443"}},
			}}},
			entities.RiskLevelMedium,
		},
		{
			"kv write is medium",
			&entities.GrantSet{KV: &entities.KeyValueCapability{Rules: []entities.KeyValueRule{
				{Keys: []string{"config/*"}, Operation: "write"},
			}}},
			entities.RiskLevelMedium,
		},
		{
			"named tool is medium",
			&entities.GrantSet{Tool: &entities.ToolCapability{Names: []string{"search"}}},
			entities.RiskLevelMedium,
		},
		{
			"any host is high",
			&entities.GrantSet{Network: &entities.NetworkCapability{Rules: []entities.NetworkRule{
				{Hosts: []string{"*"}, Ports: []string{"443"}},
			}}},
			entities.RiskLevelHigh,
		},
		{
			"any tool is high",
			&entities.GrantSet{Tool: &entities.ToolCapability{Names: []string{"*"}}},
			entities.RiskLevelHigh,
		},
		{
			"cloud credentials are high",
			&entities.GrantSet{Env: &entities.EnvironmentCapability{Variables: []string{"AWS_*"}}},
			entities.RiskLevelHigh,
		},
		{
			"write everywhere is high",
			&entities.GrantSet{KV: &entities.KeyValueCapability{Rules: []entities.KeyValueRule{
				{Keys: []string{"**"}, Operation: "read-write"},
			}}},
			entities.RiskLevelHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, assessor.AssessGrantSet(tt.grant))
		})
	}
}

func TestRiskAssessor_DescribeRisks(t *testing.T) {
	assessor := entities.NewRiskAssessor()

	g := &entities.GrantSet{
		Network: &entities.NetworkCapability{Rules: []entities.NetworkRule{
			{Hosts: []string{"*"}, Ports: []string{"443"}},
		}},
		Tool: &entities.ToolCapability{Names: []string{"*"}},
		KV: &entities.KeyValueCapability{Rules: []entities.KeyValueRule{
			{Keys: []string{"cache/*"}, Operation: "write"},
		}},
	}

	risks := assessor.DescribeRisks(g)
	assert.Contains(t, risks, "Sends HTTP requests to any host (High Risk)")
	assert.Contains(t, risks, "Invokes any registered host tool (High Risk)")
	assert.Contains(t, risks, "Write access to key-value store")
	assert.Nil(t, assessor.DescribeRisks(nil))
}

func TestRiskAssessor_WithCustomBroadPatterns(t *testing.T) {
	assessor := entities.NewRiskAssessor(
		entities.WithCustomBroadPatterns("network", []string{"*.internal"}),
	)

	g := &entities.GrantSet{
		Network: &entities.NetworkCapability{Rules: []entities.NetworkRule{
			{Hosts: []string{"*.internal"}, Ports: []string{"80"}},
		}},
	}

	assert.Equal(t, entities.RiskLevelHigh, assessor.AssessGrantSet(g))
	assert.Equal(t, entities.RiskLevelMedium, entities.NewRiskAssessor().AssessGrantSet(g))
}

func TestRiskLevel_String(t *testing.T) {
	assert.Equal(t, "Low", entities.RiskLevelLow.String())
	assert.Equal(t, "Medium", entities.RiskLevelMedium.String())
	assert.Equal(t, "High", entities.RiskLevelHigh.String())
	assert.Equal(t, "Unknown", entities.RiskLevel(9).String())
}
