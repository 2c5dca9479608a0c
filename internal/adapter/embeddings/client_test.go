package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedpulse/signalpipe/internal/config"
)

func TestEmbed_SendsAuthAndRoutingHeadersAndParsesVector(t *testing.T) {
	var gotAuth, gotRouting string
	var gotBody embedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotRouting = r.Header.Get("X-Routing")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer server.Close()

	cfg := config.Config{
		EmbeddingsAPIKey:         "secret-key",
		EmbeddingsBaseURL:        server.URL,
		EmbeddingsModel:          "text-embedding-3-small",
		EmbeddingsRoutingHeaders: "X-Routing=beta",
	}
	c := New(cfg)

	vec, err := c.Embed(context.Background(), "hot sauce launch day")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "beta", gotRouting)
	assert.Equal(t, "text-embedding-3-small", gotBody.Model)
	assert.Equal(t, "hot sauce launch day", gotBody.Input)
}

func TestEmbed_NonOKStatusReturnsErrorWithSnippet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer server.Close()

	c := New(config.Config{EmbeddingsBaseURL: server.URL})
	_, err := c.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestEmbed_EmptyDataIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	}))
	defer server.Close()

	c := New(config.Config{EmbeddingsBaseURL: server.URL})
	_, err := c.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty response")
}
