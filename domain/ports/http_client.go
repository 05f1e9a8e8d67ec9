package ports

import (
	"context"
)

// HTTPClient performs outbound HTTP for http.request events.
type HTTPClient interface {
	// Do executes an HTTP request and returns the response.
	Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// HTTPRequest represents an HTTP request.
type HTTPRequest struct {
	Headers map[string]string
	Method  string
	URL     string
	Body    []byte
	Timeout int // milliseconds
}

// HTTPResponse represents an HTTP response.
type HTTPResponse struct {
	Headers    map[string][]string
	Body       []byte
	Proto      string // e.g. "HTTP/1.1"
	StatusCode int
}
