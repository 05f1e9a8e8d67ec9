package entities

import "slices"

// GrantSet is the fine-grained policy layered over a plugin's declared
// capabilities. A declared capability with no matching rule grants nothing.
type GrantSet struct {
	Network *NetworkCapability     `json:"network,omitempty" yaml:"network,omitempty"`
	Tool    *ToolCapability        `json:"tool,omitempty" yaml:"tool,omitempty"`
	Env     *EnvironmentCapability `json:"env,omitempty" yaml:"env,omitempty"`
	KV      *KeyValueCapability    `json:"kv,omitempty" yaml:"kv,omitempty"`
}

// IsEmpty returns true if no rules are present.
func (g *GrantSet) IsEmpty() bool {
	if g == nil {
		return true
	}
	if g.Network != nil && len(g.Network.Rules) > 0 {
		return false
	}
	if g.Tool != nil && len(g.Tool.Names) > 0 {
		return false
	}
	if g.Env != nil && len(g.Env.Variables) > 0 {
		return false
	}
	if g.KV != nil && len(g.KV.Rules) > 0 {
		return false
	}
	return true
}

// Capabilities returns the capability bits this grant set has rules for.
func (g *GrantSet) Capabilities() CapabilitySet {
	var s CapabilitySet
	if g == nil {
		return s
	}
	if g.Network != nil && len(g.Network.Rules) > 0 {
		s |= NewCapabilitySet(CapNetHTTP)
	}
	if g.Tool != nil && len(g.Tool.Names) > 0 {
		s |= NewCapabilitySet(CapTool)
	}
	if g.Env != nil && len(g.Env.Variables) > 0 {
		s |= NewCapabilitySet(CapEnv)
	}
	if g.KV != nil && len(g.KV.Rules) > 0 {
		s |= NewCapabilitySet(CapKV)
	}
	return s
}

// Merge unions two grant sets, skipping rules g already holds.
func (g *GrantSet) Merge(other *GrantSet) {
	if other == nil {
		return
	}
	if other.Network != nil && len(other.Network.Rules) > 0 {
		if g.Network == nil {
			g.Network = &NetworkCapability{}
		}
		for _, rule := range other.Network.Rules {
			if !g.containsNetworkRule(rule) {
				g.Network.Rules = append(g.Network.Rules, rule)
			}
		}
	}
	if other.Tool != nil && len(other.Tool.Names) > 0 {
		if g.Tool == nil {
			g.Tool = &ToolCapability{}
		}
		g.Tool.Names = appendUnique(g.Tool.Names, other.Tool.Names...)
	}
	if other.Env != nil && len(other.Env.Variables) > 0 {
		if g.Env == nil {
			g.Env = &EnvironmentCapability{}
		}
		g.Env.Variables = appendUnique(g.Env.Variables, other.Env.Variables...)
	}
	if other.KV != nil && len(other.KV.Rules) > 0 {
		if g.KV == nil {
			g.KV = &KeyValueCapability{}
		}
		for _, rule := range other.KV.Rules {
			if !g.containsKVRule(rule) {
				g.KV.Rules = append(g.KV.Rules, rule)
			}
		}
	}
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		if !slices.Contains(dst, it) {
			dst = append(dst, it)
		}
	}
	return dst
}

// Clone returns a deep copy of the GrantSet.
func (g *GrantSet) Clone() *GrantSet {
	if g == nil {
		return nil
	}
	clone := &GrantSet{}
	if g.Network != nil {
		clone.Network = &NetworkCapability{Rules: make([]NetworkRule, len(g.Network.Rules))}
		for i, rule := range g.Network.Rules {
			clone.Network.Rules[i] = NetworkRule{
				Hosts:   slices.Clone(rule.Hosts),
				Ports:   slices.Clone(rule.Ports),
				Methods: slices.Clone(rule.Methods),
			}
		}
	}
	if g.Tool != nil {
		clone.Tool = &ToolCapability{Names: slices.Clone(g.Tool.Names)}
	}
	if g.Env != nil {
		clone.Env = &EnvironmentCapability{Variables: slices.Clone(g.Env.Variables)}
	}
	if g.KV != nil {
		clone.KV = &KeyValueCapability{Rules: make([]KeyValueRule, len(g.KV.Rules))}
		for i, rule := range g.KV.Rules {
			clone.KV.Rules[i] = KeyValueRule{
				Operation: rule.Operation,
				Keys:      slices.Clone(rule.Keys),
			}
		}
	}
	return clone
}

// Difference returns rules in g that are not covered by other.
func (g *GrantSet) Difference(other *GrantSet) *GrantSet {
	if g == nil {
		return nil
	}
	if other == nil {
		return g.Clone()
	}

	result := &GrantSet{}
	if g.Network != nil {
		var rules []NetworkRule
		for _, rule := range g.Network.Rules {
			if !other.containsNetworkRule(rule) {
				rules = append(rules, rule)
			}
		}
		if len(rules) > 0 {
			result.Network = &NetworkCapability{Rules: rules}
		}
	}
	if g.Tool != nil {
		var have []string
		if other.Tool != nil {
			have = other.Tool.Names
		}
		if missing := missingStrings(g.Tool.Names, have); len(missing) > 0 {
			result.Tool = &ToolCapability{Names: missing}
		}
	}
	if g.Env != nil {
		var have []string
		if other.Env != nil {
			have = other.Env.Variables
		}
		if missing := missingStrings(g.Env.Variables, have); len(missing) > 0 {
			result.Env = &EnvironmentCapability{Variables: missing}
		}
	}
	if g.KV != nil {
		var rules []KeyValueRule
		for _, rule := range g.KV.Rules {
			if !other.containsKVRule(rule) {
				rules = append(rules, rule)
			}
		}
		if len(rules) > 0 {
			result.KV = &KeyValueCapability{Rules: rules}
		}
	}
	return result
}

func missingStrings(want, have []string) []string {
	var out []string
	for _, w := range want {
		if !slices.Contains(have, w) {
			out = append(out, w)
		}
	}
	return out
}

// Contains returns true if g covers all rules in other.
func (g *GrantSet) Contains(other *GrantSet) bool {
	if other == nil || other.IsEmpty() {
		return true
	}
	if g == nil {
		return false
	}
	return other.Difference(g).IsEmpty()
}

func (g *GrantSet) containsNetworkRule(rule NetworkRule) bool {
	if g.Network == nil {
		return false
	}
	return slices.ContainsFunc(g.Network.Rules, func(r NetworkRule) bool {
		return slices.Equal(r.Hosts, rule.Hosts) &&
			slices.Equal(r.Ports, rule.Ports) &&
			slices.Equal(r.Methods, rule.Methods)
	})
}

func (g *GrantSet) containsKVRule(rule KeyValueRule) bool {
	if g.KV == nil {
		return false
	}
	return slices.ContainsFunc(g.KV.Rules, func(r KeyValueRule) bool {
		return r.Operation == rule.Operation && slices.Equal(r.Keys, rule.Keys)
	})
}
