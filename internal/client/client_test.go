package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/health":
			json.NewEncoder(w).Encode(map[string]any{"status": "ok", "version": "test"})
		case "/api/context":
			assert.Equal(t, "memcore", r.URL.Query().Get("project"))
			json.NewEncoder(w).Encode(map[string]string{"context": "<context>\n## memcore\n</context>"})
		case "/api/memories":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "content is required"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthAndContext(t *testing.T) {
	ts := testServer(t)
	c := New(ts.URL)
	ctx := context.Background()

	assert.True(t, c.Healthy(ctx))
	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h["status"])

	md, err := c.Context(ctx, "memcore", 5)
	require.NoError(t, err)
	assert.Contains(t, md, "## memcore")
}

func TestErrorStatusCarriesBody(t *testing.T) {
	ts := testServer(t)
	c := New(ts.URL)

	body, err := c.Post(context.Background(), "/api/memories", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, string(body), "content is required")
}

func TestUnreachableServer(t *testing.T) {
	c := New("http://127.0.0.1:1")
	assert.False(t, c.Healthy(context.Background()))
}

func TestNewFallsBackToEnv(t *testing.T) {
	t.Setenv("MEMCORE_URL", "http://example.invalid:9")
	assert.Equal(t, "http://example.invalid:9", New("").serverURL)
}
