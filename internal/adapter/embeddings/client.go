// Package embeddings implements the single text-to-vector HTTP client for
// the external embeddings service.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/feedpulse/signalpipe/internal/config"
)

const maxErrSnippet = 2048

// Client is the domain.EmbeddingsClient implementation over an
// OpenAI-embeddings-shaped HTTP endpoint, with optional model-routing
// headers for providers that multiplex several backing models behind one
// base URL.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	headers map[string]string
	hc      *http.Client
}

// New builds a Client from cfg. The HTTP client carries an otelhttp
// transport so every embed call is traced, mirroring the scraper client's
// instrumentation style.
func New(cfg config.Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Embeddings %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{
		baseURL: cfg.EmbeddingsBaseURL,
		apiKey:  cfg.EmbeddingsAPIKey,
		model:   cfg.EmbeddingsModel,
		headers: cfg.RoutingHeaders(),
		hc:      &http.Client{Timeout: 20 * time.Second, Transport: transport},
	}
}

type embedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the embeddings endpoint for a single text and returns its
// vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Input: text, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("op=embeddings.embed.marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=embeddings.embed.request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=embeddings.embed.do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrSnippet))
		return nil, fmt.Errorf("op=embeddings.embed: status %d: %s", resp.StatusCode, string(snippet))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=embeddings.embed.decode: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("op=embeddings.embed: empty response")
	}
	return out.Data[0].Embedding, nil
}
