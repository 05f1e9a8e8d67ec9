package gateway

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/policy"
)

// Authorizer checks service requests against the declared capability set
// and the fine-grained grants. A nil grant set denies every gated request.
type Authorizer struct {
	policy *policy.Policy
}

// NewAuthorizer creates an Authorizer. A nil policy uses policy.NewPolicy().
func NewAuthorizer(p *policy.Policy) *Authorizer {
	if p == nil {
		p = policy.NewPolicy()
	}
	return &Authorizer{policy: p}
}

func denied(required entities.Capability, pattern string) error {
	return &ferrors.CapabilityError{Required: required.String(), Pattern: pattern}
}

// Declared reports PERMISSION_DENIED when capability c was not declared.
func (a *Authorizer) Declared(caps entities.CapabilitySet, c entities.Capability) error {
	if !caps.Has(c) {
		return denied(c, "")
	}
	return nil
}

// HTTP checks an outbound request.
func (a *Authorizer) HTTP(caps entities.CapabilitySet, grants *entities.GrantSet, rawURL, method string) error {
	if err := a.Declared(caps, entities.CapNetHTTP); err != nil {
		return err
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ferrors.New(ferrors.InvalidArgument, "gateway.http", "invalid url %q", rawURL)
	}
	port, err := portOf(u)
	if err != nil {
		return ferrors.Wrap(ferrors.InvalidArgument, "gateway.http", err)
	}
	if method == "" {
		method = "GET"
	}
	req := entities.NetworkRequest{Host: u.Hostname(), Port: port, Method: method}
	if !a.policy.CheckNetwork(req, grants) {
		return denied(entities.CapNetHTTP, net.JoinHostPort(req.Host, strconv.Itoa(port)))
	}
	return nil
}

func portOf(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		return strconv.Atoi(p)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return 443, nil
	case "http", "":
		return 80, nil
	}
	return 0, ferrors.New(ferrors.InvalidArgument, "gateway.http", "unsupported scheme %q", u.Scheme)
}

// Tool checks a tool invocation.
func (a *Authorizer) Tool(caps entities.CapabilitySet, grants *entities.GrantSet, name string) error {
	if err := a.Declared(caps, entities.CapTool); err != nil {
		return err
	}
	if !a.policy.CheckTool(entities.ToolRequest{Name: name}, grants) {
		return denied(entities.CapTool, name)
	}
	return nil
}

// Env checks an environment read.
func (a *Authorizer) Env(caps entities.CapabilitySet, grants *entities.GrantSet, key string) error {
	if err := a.Declared(caps, entities.CapEnv); err != nil {
		return err
	}
	if !a.policy.CheckEnvironment(entities.EnvironmentRequest{Variable: key}, grants) {
		return denied(entities.CapEnv, key)
	}
	return nil
}

// KV checks a key-value access. op is "read" or "write".
func (a *Authorizer) KV(caps entities.CapabilitySet, grants *entities.GrantSet, key, op string) error {
	if err := a.Declared(caps, entities.CapKV); err != nil {
		return err
	}
	if !a.policy.CheckKeyValue(entities.KeyValueRequest{Key: key, Operation: op}, grants) {
		return denied(entities.CapKV, key)
	}
	return nil
}
