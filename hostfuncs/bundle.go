package hostfuncs

import (
	"context"
	"maps"
	"slices"

	"github.com/reglet-dev/filament-host/domain/ports"
)

// ToolBundle is a named group of tools registered together.
type ToolBundle interface {
	Tools() []Tool
}

type staticBundle []Tool

func (b staticBundle) Tools() []Tool { return b }

// FetchRequest is the input of the http_fetch tool.
type FetchRequest struct {
	Headers   map[string]string `json:"headers,omitempty"`
	Method    string            `json:"method,omitempty" jsonschema:"enum=GET,enum=HEAD,enum=POST,enum=PUT,enum=PATCH,enum=DELETE"`
	URL       string            `json:"url" jsonschema:"minLength=1"`
	Body      string            `json:"body,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty" jsonschema:"minimum=0"`
}

// FetchResponse is the output of the http_fetch tool.
type FetchResponse struct {
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body"`
	StatusCode int                 `json:"status_code"`
}

// SSRFCheckRequest is the input of the ssrf_check tool.
type SSRFCheckRequest struct {
	Address string `json:"address" jsonschema:"minLength=1"`
}

// NetworkBundle holds http_fetch and ssrf_check. The fetch tool always
// runs behind the SSRF guard.
func NetworkBundle(client ports.HTTPClient, filter ...NetfilterOption) ToolBundle {
	if client == nil {
		client = NewHTTPClient(WithHTTPSSRFProtection(filter...))
	}
	fetch := func(ctx context.Context, req FetchRequest) (FetchResponse, error) {
		resp, err := client.Do(ctx, ports.HTTPRequest{
			Method:  req.Method,
			URL:     req.URL,
			Headers: req.Headers,
			Body:    []byte(req.Body),
			Timeout: req.TimeoutMs,
		})
		if err != nil {
			return FetchResponse{}, err
		}
		return FetchResponse{StatusCode: resp.StatusCode, Headers: resp.Headers, Body: string(resp.Body)}, nil
	}
	check := func(_ context.Context, req SSRFCheckRequest) (NetfilterResult, error) {
		return ValidateAddress(req.Address, filter...), nil
	}
	return staticBundle{
		typedTool("http_fetch", "Fetch a URL and return status, headers and body", fetch),
		typedTool("ssrf_check", "Report whether an address may be dialed", check),
	}
}

// Bundles merges bundles. Later bundles win on name clashes.
func Bundles(bundles ...ToolBundle) ToolBundle {
	byName := make(map[string]Tool)
	for _, b := range bundles {
		for _, t := range b.Tools() {
			byName[t.Name] = t
		}
	}
	out := make(staticBundle, 0, len(byName))
	for _, name := range slices.Sorted(maps.Keys(byName)) {
		out = append(out, byName[name])
	}
	return out
}

// WithBundle registers every tool of a bundle.
func WithBundle(bundle ToolBundle) RegistryOption {
	return func(b *registryBuilder) {
		for _, t := range bundle.Tools() {
			b.add(t)
		}
	}
}

// typedTool builds a built-in tool. Reflection of these fixed request
// types cannot fail, so a schema error only drops input validation.
func typedTool[Req any, Resp any](name, description string, fn ToolFunc[Req, Resp]) Tool {
	t, _ := reflectTool(name, description, fn)
	return t
}
