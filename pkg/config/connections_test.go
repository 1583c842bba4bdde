package config

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/flow"
	"github.com/stepflow-io/stepflow/pkg/registry"
)

func TestBuildConnections(t *testing.T) {
	reg := registry.NewRegistry(nil)

	err := BuildConnections(map[string]flow.ConnectionSpec{
		"api": {
			Type: "http",
			Config: map[string]any{
				"timeout_ms": 5000,
				"headers":    map[string]any{"Authorization": "Bearer token"},
			},
		},
		"settings": {
			Type:   "static",
			Config: map[string]any{"region": "eu-west-1"},
		},
	}, reg)
	require.NoError(t, err)
}

func TestBuildHTTPConnection(t *testing.T) {
	client, err := buildHTTP(map[string]any{
		"timeout_ms": float64(1500),
		"headers":    map[string]any{"X-Token": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, client.Timeout)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.Header.Get("X-Token"))
		assert.Equal(t, "explicit", r.Header.Get("X-Other"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("X-Other", "explicit")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestBuildConnectionsRejectsBadSpecs(t *testing.T) {
	reg := registry.NewRegistry(nil)

	err := BuildConnections(map[string]flow.ConnectionSpec{
		"weird": {Type: "carrier-pigeon"},
	}, reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")

	err = BuildConnections(map[string]flow.ConnectionSpec{
		"api": {Type: "http", Config: map[string]any{"timeout_ms": "soon"}},
	}, reg)
	require.Error(t, err)
}
