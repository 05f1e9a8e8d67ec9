package hostfuncs

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// HTTPOption configures PerformHTTPRequest.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	transport       http.RoundTripper
	netfilter       []NetfilterOption
	timeout         time.Duration
	maxBodySize     int64
	maxRedirects    int
	followRedirects bool
	ssrfProtection  bool
}

func defaultHTTPConfig() httpConfig {
	return httpConfig{
		timeout:         30 * time.Second,
		maxRedirects:    10,
		followRedirects: true,
		maxBodySize:     10 * 1024 * 1024,
	}
}

// WithHTTPRequestTimeout sets the default request timeout.
func WithHTTPRequestTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPMaxRedirects caps followed redirects.
func WithHTTPMaxRedirects(n int) HTTPOption {
	return func(c *httpConfig) {
		if n >= 0 {
			c.maxRedirects = n
		}
	}
}

// WithHTTPFollowRedirects controls redirect following.
func WithHTTPFollowRedirects(follow bool) HTTPOption {
	return func(c *httpConfig) { c.followRedirects = follow }
}

// WithHTTPMaxBodySize caps the response body. Larger bodies fail with
// DATA_TOO_LARGE.
func WithHTTPMaxBodySize(size int64) HTTPOption {
	return func(c *httpConfig) {
		if size > 0 {
			c.maxBodySize = size
		}
	}
}

// WithHTTPSSRFProtection resolves each target once, checks it with
// ValidateAddress and dials the checked IP, so DNS rebinding cannot swap
// the target after the check.
func WithHTTPSSRFProtection(opts ...NetfilterOption) HTTPOption {
	return func(c *httpConfig) {
		c.ssrfProtection = true
		c.netfilter = opts
	}
}

// WithHTTPTransport replaces the base transport.
func WithHTTPTransport(rt http.RoundTripper) HTTPOption {
	return func(c *httpConfig) { c.transport = rt }
}

type ssrfError struct{ reason string }

func (e *ssrfError) Error() string { return "ssrf protection: " + e.reason }

type pinningTransport struct {
	base *http.Transport
	opts []NetfilterOption
}

func (t *pinningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	verdict := ValidateAddress(host, t.opts...)
	if !verdict.Allowed {
		return nil, &ssrfError{reason: verdict.Reason}
	}
	ip := verdict.ResolvedIP
	if ip == "" {
		ip = host
	}
	port := req.URL.Port()
	if port == "" {
		port = "80"
		if req.URL.Scheme == "https" {
			port = "443"
		}
	}

	pinned := t.base.Clone()
	pinned.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, network, net.JoinHostPort(ip, port))
	}
	if req.URL.Scheme == "https" {
		if pinned.TLSClientConfig == nil {
			pinned.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		pinned.TLSClientConfig.ServerName = host
	}
	return pinned.RoundTrip(req)
}

// PerformHTTPRequest executes req. Transport failures come back as
// *errors.HTTPError; an SSRF verdict is PERMISSION_DENIED.
func PerformHTTPRequest(ctx context.Context, req ports.HTTPRequest, opts ...HTTPOption) (*ports.HTTPResponse, error) {
	cfg := defaultHTTPConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if req.Timeout > 0 {
		cfg.timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	if req.URL == "" {
		return nil, ferrors.New(ferrors.InvalidArgument, "http.request", "url is required")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.InvalidArgument, "http.request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := newHTTPClient(cfg).Do(httpReq)
	if err != nil {
		var blocked *ssrfError
		if errors.As(err, &blocked) {
			return nil, ferrors.Wrap(ferrors.PermissionDenied, "http.request", blocked)
		}
		return nil, &ferrors.HTTPError{Method: method, URL: req.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, cfg.maxBodySize+1))
	if err != nil {
		return nil, &ferrors.HTTPError{Method: method, URL: req.URL, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(data)) > cfg.maxBodySize {
		return nil, ferrors.New(ferrors.DataTooLarge, "http.request", "response body exceeds %d bytes", cfg.maxBodySize)
	}
	return &ports.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
		Proto:      resp.Proto,
	}, nil
}

func newHTTPClient(cfg httpConfig) *http.Client {
	rt := cfg.transport
	if rt == nil {
		base := &http.Transport{
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
		rt = base
		if cfg.ssrfProtection {
			rt = &pinningTransport{base: base, opts: cfg.netfilter}
		}
	}

	client := &http.Client{Timeout: cfg.timeout, Transport: rt}
	switch {
	case !cfg.followRedirects:
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case cfg.maxRedirects > 0:
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= cfg.maxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.maxRedirects)
			}
			return nil
		}
	}
	return client
}

// HTTPClient is the default ports.HTTPClient.
type HTTPClient struct {
	opts []HTTPOption
}

var _ ports.HTTPClient = (*HTTPClient)(nil)

// NewHTTPClient returns a client that applies opts to every request.
func NewHTTPClient(opts ...HTTPOption) *HTTPClient {
	return &HTTPClient{opts: opts}
}

// Do implements ports.HTTPClient.
func (c *HTTPClient) Do(ctx context.Context, req ports.HTTPRequest) (*ports.HTTPResponse, error) {
	return PerformHTTPRequest(ctx, req, c.opts...)
}
