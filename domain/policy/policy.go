package policy

import (
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// policyConfig holds configuration for the Policy engine.
type policyConfig struct {
	denialHandler ports.DenialHandler
}

func defaultPolicyConfig() policyConfig {
	return policyConfig{
		denialHandler: NewSlogDenialHandler(nil),
	}
}

// PolicyOption configures the Policy.
type PolicyOption func(*policyConfig)

// WithDenialHandler sets the denial handler.
func WithDenialHandler(h ports.DenialHandler) PolicyOption {
	return func(c *policyConfig) {
		if h != nil {
			c.denialHandler = h
		}
	}
}

// Policy evaluates grant rules. Grant sets are compiled on first use and
// cached by pointer, so callers must not mutate a GrantSet after handing it
// to the policy.
type Policy struct {
	config policyConfig
	cache  sync.Map // key: *entities.GrantSet, value: *compiledGrantSet
}

type compiledGrantSet struct {
	networkRules []compiledNetworkRule
	tools        []string
	env          []string
	kvRules      []compiledKVRule
}

type compiledNetworkRule struct {
	hosts   []string
	ports   []portRange
	methods []string
}

type compiledKVRule struct {
	keys []string
	op   string
}

type portRange struct {
	min, max int
}

// NewPolicy creates a new Policy.
func NewPolicy(opts ...PolicyOption) *Policy {
	cfg := defaultPolicyConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Policy{config: cfg}
}

var _ ports.Policy = (*Policy)(nil)

func (p *Policy) getCompiled(grants *entities.GrantSet) *compiledGrantSet {
	if grants == nil {
		return nil
	}
	if v, ok := p.cache.Load(grants); ok {
		return v.(*compiledGrantSet)
	}

	c := &compiledGrantSet{}
	if grants.Network != nil {
		for _, rule := range grants.Network.Rules {
			cr := compiledNetworkRule{hosts: validPatterns(rule.Hosts)}
			for _, portStr := range rule.Ports {
				if pr, ok := parsePortRange(portStr); ok {
					cr.ports = append(cr.ports, pr)
				}
			}
			for _, m := range rule.Methods {
				cr.methods = append(cr.methods, strings.ToUpper(strings.TrimSpace(m)))
			}
			c.networkRules = append(c.networkRules, cr)
		}
	}
	if grants.Tool != nil {
		c.tools = validPatterns(grants.Tool.Names)
	}
	if grants.Env != nil {
		c.env = validPatterns(grants.Env.Variables)
	}
	if grants.KV != nil {
		for _, rule := range grants.KV.Rules {
			c.kvRules = append(c.kvRules, compiledKVRule{op: rule.Operation, keys: validPatterns(rule.Keys)})
		}
	}

	actual, _ := p.cache.LoadOrStore(grants, c)
	return actual.(*compiledGrantSet)
}

func validPatterns(in []string) []string {
	var out []string
	for _, s := range in {
		if doublestar.ValidatePattern(s) {
			out = append(out, s)
		}
	}
	return out
}

func parsePortRange(s string) (portRange, bool) {
	s = strings.TrimSpace(s)
	if s == "*" {
		return portRange{0, 65535}, true
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		minPort, err1 := strconv.Atoi(strings.TrimSpace(lo))
		maxPort, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil || minPort > maxPort {
			return portRange{}, false
		}
		return portRange{minPort, maxPort}, true
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return portRange{}, false
	}
	return portRange{val, val}, true
}

func matchAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if matched, _ := doublestar.Match(pattern, value); matched {
			return true
		}
	}
	return false
}

// CheckNetwork allows a request when one rule matches its host, port and
// method. A rule without ports or methods does not restrict them.
func (p *Policy) CheckNetwork(req entities.NetworkRequest, grants *entities.GrantSet) bool {
	c := p.getCompiled(grants)
	if c == nil {
		p.config.denialHandler.OnDenial("network", req, "no grants")
		return false
	}

	host := strings.ToLower(req.Host)
	method := strings.ToUpper(req.Method)
	for _, rule := range c.networkRules {
		if !matchAny(rule.hosts, host) {
			continue
		}
		if len(rule.ports) > 0 && !portAllowed(rule.ports, req.Port) {
			continue
		}
		if len(rule.methods) > 0 && method != "" && !contains(rule.methods, method) {
			continue
		}
		return true
	}

	p.config.denialHandler.OnDenial("network", req, "host/port not allowed")
	return false
}

func portAllowed(ranges []portRange, port int) bool {
	for _, pr := range ranges {
		if port >= pr.min && port <= pr.max {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CheckTool allows invocation of tools whose name matches a granted pattern.
func (p *Policy) CheckTool(req entities.ToolRequest, grants *entities.GrantSet) bool {
	c := p.getCompiled(grants)
	if c == nil {
		p.config.denialHandler.OnDenial("tool", req, "no grants")
		return false
	}
	if matchAny(c.tools, req.Name) {
		return true
	}
	p.config.denialHandler.OnDenial("tool", req, "tool not allowed")
	return false
}

func (p *Policy) CheckEnvironment(req entities.EnvironmentRequest, grants *entities.GrantSet) bool {
	c := p.getCompiled(grants)
	if c == nil {
		p.config.denialHandler.OnDenial("env", req, "no grants")
		return false
	}
	if matchAny(c.env, req.Variable) {
		return true
	}
	p.config.denialHandler.OnDenial("env", req, "variable not allowed")
	return false
}

func (p *Policy) CheckKeyValue(req entities.KeyValueRequest, grants *entities.GrantSet) bool {
	c := p.getCompiled(grants)
	if c == nil {
		p.config.denialHandler.OnDenial("kv", req, "no grants")
		return false
	}

	for _, rule := range c.kvRules {
		allowedOp := rule.op == "read-write" || rule.op == req.Operation
		if allowedOp && matchAny(rule.keys, req.Key) {
			return true
		}
	}

	p.config.denialHandler.OnDenial("kv", req, "key/operation not allowed")
	return false
}
