package hostfuncs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/reglet-dev/filament-host/domain/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	last ports.HTTPRequest
}

func (s *stubClient) Do(_ context.Context, req ports.HTTPRequest) (*ports.HTTPResponse, error) {
	s.last = req
	return &ports.HTTPResponse{StatusCode: 201, Body: []byte("created")}, nil
}

func TestNetworkBundle(t *testing.T) {
	client := &stubClient{}
	reg, err := NewRegistry(WithBundle(NetworkBundle(client)))
	require.NoError(t, err)
	assert.Equal(t, []string{"http_fetch", "ssrf_check"}, reg.Names())

	resp, err := reg.Invoke(context.Background(), "http_fetch", []byte(`{"url":"https://api.example.com/items","method":"POST","body":"x"}`))
	require.NoError(t, err)

	var out FetchResponse
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.Equal(t, 201, out.StatusCode)
	assert.Equal(t, "created", out.Body)
	assert.Equal(t, "POST", client.last.Method)
	assert.Equal(t, []byte("x"), client.last.Body)

	_, err = reg.Invoke(context.Background(), "http_fetch", []byte(`{"url":"https://x","method":"TRACE"}`))
	assert.Error(t, err, "method outside the schema enum")

	resp, err = reg.Invoke(context.Background(), "ssrf_check", []byte(`{"address":"127.0.0.1:80"}`))
	require.NoError(t, err)
	var verdict NetfilterResult
	require.NoError(t, json.Unmarshal(resp, &verdict))
	assert.False(t, verdict.Allowed)
}

func TestNetworkBundle_DefaultClientBlocksLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}))
	defer srv.Close()

	reg, err := NewRegistry(WithBundle(NetworkBundle(nil)))
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), "http_fetch", []byte(`{"url":"`+srv.URL+`"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssrf")
}

func TestBundles_LaterWins(t *testing.T) {
	first := staticBundle{{Name: "a", Handler: echo}, {Name: "b", Handler: echo, Description: "old"}}
	second := staticBundle{{Name: "b", Handler: echo, Description: "new"}}

	merged := Bundles(first, second).Tools()
	require.Len(t, merged, 2)
	assert.Equal(t, "a", merged[0].Name)
	assert.Equal(t, "new", merged[1].Description)
}
