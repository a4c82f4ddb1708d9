// Package llm talks to the Ollama server that hosts the agent's
// language model. Hark only needs to know whether the server is up and
// which models it offers; conversation happens in the voice pipeline.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/hark/internal/httpkit"
)

// DefaultURL is used when no base URL is configured.
const DefaultURL = "http://localhost:11434"

// Model is one entry from the server's model list.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient creates a client for baseURL. A nil httpClient gets
// an httpkit client with a short timeout.
func NewOllamaClient(baseURL string, httpClient *http.Client) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the server address.
func (c *OllamaClient) BaseURL() string { return c.baseURL }

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 64*1024)
	return nil
}

// ListModels returns the models the server has pulled, sorted by name.
func (c *OllamaClient) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	var result struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	models := result.Models
	if models == nil {
		models = []Model{}
	}
	slices.SortFunc(models, func(a, b Model) int { return strings.Compare(a.Name, b.Name) })
	return models, nil
}

// HasModel reports whether name is among the server's models.
func (c *OllamaClient) HasModel(ctx context.Context, name string) (bool, []string, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, nil, err
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return slices.Contains(names, name), names, nil
}

func (c *OllamaClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}
	return resp, nil
}
