package hostfuncs

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// NetfilterResult is the verdict on an outbound address.
type NetfilterResult struct {
	Reason     string `json:"reason,omitempty"`
	ResolvedIP string `json:"resolved_ip,omitempty"`
	Allowed    bool   `json:"allowed"`
}

// NetfilterOption configures ValidateAddress.
type NetfilterOption func(*netfilterConfig)

type netfilterConfig struct {
	lookup       func(ctx context.Context, host string) ([]netip.Addr, error)
	allowlist    []string
	blocklist    []string
	allowPrivate bool
	resolveDNS   bool
}

func defaultNetfilterConfig() netfilterConfig {
	return netfilterConfig{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
		resolveDNS: true,
	}
}

// WithAllowlist lets hostnames, "*.suffix" wildcards and CIDRs bypass every
// other check.
func WithAllowlist(patterns ...string) NetfilterOption {
	return func(c *netfilterConfig) { c.allowlist = patterns }
}

// WithBlocklist rejects hostnames, wildcards and CIDRs before any other check.
func WithBlocklist(patterns ...string) NetfilterOption {
	return func(c *netfilterConfig) { c.blocklist = patterns }
}

// WithAllowPrivate admits loopback, RFC 1918 and link-local targets.
func WithAllowPrivate(allow bool) NetfilterOption {
	return func(c *netfilterConfig) { c.allowPrivate = allow }
}

// WithResolveDNS controls whether hostnames are resolved and their first
// address checked. Without it, only literal IPs are checked.
func WithResolveDNS(resolve bool) NetfilterOption {
	return func(c *netfilterConfig) { c.resolveDNS = resolve }
}

// ValidateAddress decides whether host or host:port may be dialed. This is
// the SSRF guard in front of every outbound HTTP request.
func ValidateAddress(address string, opts ...NetfilterOption) NetfilterResult {
	cfg := defaultNetfilterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	host, _, err := parseAddress(address)
	if err != nil {
		return NetfilterResult{Reason: "invalid address format: " + err.Error()}
	}
	if host == "" {
		return NetfilterResult{Reason: "empty host"}
	}
	if matchesAny(host, cfg.allowlist) {
		return NetfilterResult{Allowed: true}
	}
	if matchesAny(host, cfg.blocklist) {
		return NetfilterResult{Reason: "address in blocklist"}
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		if !cfg.resolveDNS {
			return NetfilterResult{Allowed: true}
		}
		addrs, lerr := cfg.lookup(context.Background(), host)
		if lerr != nil || len(addrs) == 0 {
			return NetfilterResult{Reason: "DNS resolution failed for " + host}
		}
		ip = addrs[0]
	}
	ip = ip.Unmap()

	if matchesAny(ip.String(), cfg.blocklist) {
		return NetfilterResult{Reason: "IP in blocklist CIDR"}
	}
	if !matchesAny(ip.String(), cfg.allowlist) {
		if reason := restricted(ip, cfg.allowPrivate); reason != "" {
			return NetfilterResult{Reason: reason}
		}
	}
	return NetfilterResult{Allowed: true, ResolvedIP: ip.String()}
}

func restricted(ip netip.Addr, allowPrivate bool) string {
	switch {
	case ip.IsUnspecified():
		return "unspecified address blocked"
	case ip.IsMulticast():
		return "multicast addresses blocked"
	case allowPrivate:
		return ""
	case ip.IsLoopback():
		return "localhost/loopback addresses blocked"
	case ip.IsPrivate():
		return "private addresses blocked (RFC 1918)"
	case ip.IsLinkLocalUnicast():
		return "link-local addresses blocked"
	}
	return ""
}

func parseAddress(address string) (string, int, error) {
	if ap, err := netip.ParseAddrPort(address); err == nil {
		return ap.Addr().String(), int(ap.Port()), nil
	}
	if _, err := netip.ParseAddr(address); err == nil || !strings.Contains(address, ":") {
		return address, 0, nil
	}
	h, p, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, &net.AddrError{Err: "invalid port", Addr: address}
	}
	return h, int(port), nil
}

func matchesAny(host string, patterns []string) bool {
	for _, p := range patterns {
		if matchesPattern(host, p) {
			return true
		}
	}
	return false
}

func matchesPattern(host, pattern string) bool {
	if strings.EqualFold(host, pattern) {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*"); ok && strings.HasPrefix(suffix, ".") {
		return strings.HasSuffix(strings.ToLower(host), strings.ToLower(suffix))
	}
	if prefix, err := netip.ParsePrefix(pattern); err == nil {
		if ip, err := netip.ParseAddr(host); err == nil {
			return prefix.Contains(ip.Unmap())
		}
	}
	return false
}
