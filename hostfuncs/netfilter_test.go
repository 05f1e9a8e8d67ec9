package hostfuncs

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress_DefaultRestrictions(t *testing.T) {
	tests := []struct {
		name    string
		address string
		reason  string
	}{
		{"loopback", "127.0.0.1", "localhost"},
		{"loopback with port", "127.0.0.1:80", "localhost"},
		{"loopback range", "127.0.0.2", "localhost"},
		{"loopback ipv6", "::1", "localhost"},
		{"loopback ipv6 with port", "[::1]:8080", "localhost"},
		{"10/8", "10.0.0.1", "private"},
		{"172.16/12", "172.31.255.255", "private"},
		{"192.168/16", "192.168.1.1", "private"},
		{"link-local", "169.254.169.254", "link-local"},
		{"link-local ipv6", "fe80::1", "link-local"},
		{"multicast", "224.0.0.1", "multicast"},
		{"unspecified", "0.0.0.0", "unspecified"},
		{"mapped loopback", "::ffff:127.0.0.1", "localhost"},
		{"public", "8.8.8.8", ""},
		{"public with port", "1.1.1.1:443", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := ValidateAddress(tc.address, WithResolveDNS(false))
			if tc.reason == "" {
				assert.True(t, result.Allowed, "should allow %s", tc.address)
				return
			}
			assert.False(t, result.Allowed, "should block %s", tc.address)
			assert.Contains(t, result.Reason, tc.reason)
		})
	}
}

func TestValidateAddress_Lists(t *testing.T) {
	assert.True(t, ValidateAddress("127.0.0.1", WithResolveDNS(false), WithAllowlist("127.0.0.1")).Allowed)
	assert.True(t, ValidateAddress("api.example.com", WithResolveDNS(false), WithAllowlist("*.example.com")).Allowed)
	assert.True(t, ValidateAddress("10.1.2.3", WithResolveDNS(false), WithAllowlist("10.0.0.0/8")).Allowed)

	blocked := ValidateAddress("8.8.8.8", WithResolveDNS(false), WithBlocklist("8.8.8.0/24"))
	assert.False(t, blocked.Allowed)
	assert.Contains(t, blocked.Reason, "blocklist")

	assert.True(t, ValidateAddress("192.168.0.10", WithResolveDNS(false), WithAllowPrivate(true)).Allowed)
	assert.False(t, ValidateAddress("224.0.0.1", WithResolveDNS(false), WithAllowPrivate(true)).Allowed)
}

func TestValidateAddress_ResolvesHostnames(t *testing.T) {
	lookup := func(addr string, err error) NetfilterOption {
		return func(c *netfilterConfig) {
			c.lookup = func(context.Context, string) ([]netip.Addr, error) {
				if err != nil {
					return nil, err
				}
				return []netip.Addr{netip.MustParseAddr(addr)}, nil
			}
		}
	}

	rebind := ValidateAddress("evil.example:80", lookup("127.0.0.1", nil))
	assert.False(t, rebind.Allowed)

	ok := ValidateAddress("good.example", lookup("93.184.216.34", nil))
	require.True(t, ok.Allowed)
	assert.Equal(t, "93.184.216.34", ok.ResolvedIP)

	failed := ValidateAddress("missing.example", lookup("", errors.New("no such host")))
	assert.False(t, failed.Allowed)
	assert.Contains(t, failed.Reason, "DNS")
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		address string
		host    string
		port    int
		wantErr bool
	}{
		{"example.com", "example.com", 0, false},
		{"example.com:80", "example.com", 80, false},
		{"192.168.1.1:443", "192.168.1.1", 443, false},
		{"::1", "::1", 0, false},
		{"[::1]:80", "::1", 80, false},
		{"example.com:http", "", 0, true},
		{"example.com:99999", "", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.address, func(t *testing.T) {
			host, port, err := parseAddress(tc.address)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.host, host)
			assert.Equal(t, tc.port, port)
		})
	}
}

func TestMatchesPattern(t *testing.T) {
	assert.True(t, matchesPattern("example.com", "example.com"))
	assert.True(t, matchesPattern("API.example.com", "*.example.com"))
	assert.False(t, matchesPattern("example.com", "*.example.com"))
	assert.True(t, matchesPattern("192.168.1.1", "192.168.0.0/16"))
	assert.False(t, matchesPattern("example.com", "192.168.0.0/16"))
}
