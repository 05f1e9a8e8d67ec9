package entities

import "strings"

// RiskLevel represents the security risk level of a grant set.
type RiskLevel int

const (
	RiskLevelLow    RiskLevel = iota // Specific, narrow permissions
	RiskLevelMedium                  // Outbound HTTP, store writes
	RiskLevelHigh                    // Wildcard hosts, tools, or secrets
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLevelLow:
		return "Low"
	case RiskLevelMedium:
		return "Medium"
	case RiskLevelHigh:
		return "High"
	default:
		return "Unknown"
	}
}

var (
	// BroadEnvPatterns expose whole families of credentials.
	BroadEnvPatterns = []string{"*", "AWS_*", "AZURE_*", "GCP_*", "GOOGLE_*"}

	// BroadHostPatterns allow requests to arbitrary destinations.
	BroadHostPatterns = []string{"*", "**", "*.*"}

	// BroadKeyPatterns cover the whole key-value namespace.
	BroadKeyPatterns = []string{"*", "**", "/**"}
)

type riskAssessorConfig struct {
	customBroadPatterns map[string][]string
}

func defaultRiskAssessorConfig() riskAssessorConfig {
	return riskAssessorConfig{
		customBroadPatterns: make(map[string][]string),
	}
}

// RiskAssessorOption configures a RiskAssessor instance.
type RiskAssessorOption func(*riskAssessorConfig)

// WithCustomBroadPatterns adds patterns considered broad for a kind:
// "network", "env" or "kv".
func WithCustomBroadPatterns(kind string, patterns []string) RiskAssessorOption {
	return func(c *riskAssessorConfig) {
		c.customBroadPatterns[kind] = append(c.customBroadPatterns[kind], patterns...)
	}
}

// RiskAssessor grades grant sets at load time so operators can see what a
// plugin is being allowed to do.
type RiskAssessor struct {
	config riskAssessorConfig
}

// NewRiskAssessor creates a new RiskAssessor with the given options.
func NewRiskAssessor(opts ...RiskAssessorOption) *RiskAssessor {
	cfg := defaultRiskAssessorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RiskAssessor{config: cfg}
}

// AssessGrantSet returns the highest risk level across all rule kinds.
func (r *RiskAssessor) AssessGrantSet(g *GrantSet) RiskLevel {
	if g == nil {
		return RiskLevelLow
	}
	highest := RiskLevelLow
	for _, level := range []RiskLevel{
		r.assessNetwork(g.Network),
		r.assessTool(g.Tool),
		r.assessEnv(g.Env),
		r.assessKV(g.KV),
	} {
		if level > highest {
			highest = level
		}
	}
	return highest
}

func (r *RiskAssessor) assessNetwork(network *NetworkCapability) RiskLevel {
	if network == nil || len(network.Rules) == 0 {
		return RiskLevelLow
	}
	broad := r.patterns("network", BroadHostPatterns)
	for _, rule := range network.Rules {
		for _, h := range rule.Hosts {
			if matchesAny(h, broad) {
				return RiskLevelHigh
			}
		}
	}
	return RiskLevelMedium
}

func (r *RiskAssessor) assessTool(tool *ToolCapability) RiskLevel {
	if tool == nil || len(tool.Names) == 0 {
		return RiskLevelLow
	}
	for _, n := range tool.Names {
		if n == "*" {
			return RiskLevelHigh
		}
	}
	return RiskLevelMedium
}

func (r *RiskAssessor) assessEnv(env *EnvironmentCapability) RiskLevel {
	if env == nil || len(env.Variables) == 0 {
		return RiskLevelLow
	}
	broad := r.patterns("env", BroadEnvPatterns)
	for _, v := range env.Variables {
		if matchesAny(v, broad) {
			return RiskLevelHigh
		}
	}
	return RiskLevelLow
}

func (r *RiskAssessor) assessKV(kv *KeyValueCapability) RiskLevel {
	if kv == nil || len(kv.Rules) == 0 {
		return RiskLevelLow
	}
	broad := r.patterns("kv", BroadKeyPatterns)
	level := RiskLevelLow
	for _, rule := range kv.Rules {
		writes := rule.Operation == "write" || rule.Operation == "read-write"
		if !writes {
			continue
		}
		for _, k := range rule.Keys {
			if matchesAny(k, broad) {
				return RiskLevelHigh
			}
		}
		level = RiskLevelMedium
	}
	return level
}

func (r *RiskAssessor) patterns(kind string, base []string) []string {
	out := append([]string(nil), base...)
	return append(out, r.config.customBroadPatterns[kind]...)
}

// DescribeRisks returns human-readable risk descriptions.
func (r *RiskAssessor) DescribeRisks(g *GrantSet) []string {
	if g == nil {
		return nil
	}

	var risks []string
	if r.assessNetwork(g.Network) == RiskLevelHigh {
		risks = append(risks, "Sends HTTP requests to any host (High Risk)")
	} else if g.Network != nil && len(g.Network.Rules) > 0 {
		risks = append(risks, "Sends outbound HTTP requests")
	}
	if r.assessTool(g.Tool) == RiskLevelHigh {
		risks = append(risks, "Invokes any registered host tool (High Risk)")
	}
	if r.assessEnv(g.Env) == RiskLevelHigh {
		risks = append(risks, "Reads broad sets of environment variables (High Risk)")
	}
	switch r.assessKV(g.KV) {
	case RiskLevelHigh:
		risks = append(risks, "Writes anywhere in the key-value store (High Risk)")
	case RiskLevelMedium:
		risks = append(risks, "Write access to key-value store")
	}
	return risks
}

func matchesAny(value string, patterns []string) bool {
	value = strings.TrimSpace(value)
	for _, p := range patterns {
		if value == p {
			return true
		}
	}
	return false
}
